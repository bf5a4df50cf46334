package tasklink

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// mtlsConfigs returns one mTLS config per broker name, all signed by the
// same CA.
func mtlsConfigs(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, 0, len(names))
	for _, name := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		configs = append(configs, &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return configs
}

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// clock is a fake time source for the timer wheels of a manual broker.
type clock struct {
	lk  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

// newManualBroker returns a broker running no goroutine: the test drives
// it with Drain and by ticking the broker client channels.
func newManualBroker(t *testing.T, opts ...Option) (*Broker, *clock) {
	t.Helper()
	opts = append([]Option{
		WithLog(testHandler(t.Name())),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	}, opts...)
	b, err := newBroker(true, opts...)
	require.NoError(t, err)

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	b.now = clk.Now
	t.Cleanup(func() {
		require.NoError(t, b.Shutdown())
	})
	return b, clk
}

// counted sums a counter over every label set and interval.
func counted(sink *metrics.InmemSink, name []string) int {
	key := strings.Join(name, ".")
	n := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, c := range interval.Counters {
			if c.Name == key {
				n += c.Count
			}
		}
		interval.RUnlock()
	}
	return n
}

// responses collects what callbacks received.
type responses struct {
	lk   sync.Mutex
	reqs []*request.Request
}

func (r *responses) callback(req *request.Request) {
	req.Ref()
	r.lk.Lock()
	defer r.lk.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *responses) len() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.reqs)
}

func (r *responses) get(i int) *request.Request {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.reqs[i]
}

func (r *responses) release() {
	r.lk.Lock()
	defer r.lk.Unlock()
	for _, req := range r.reqs {
		req.Release()
	}
	r.reqs = nil
}

func echoServer(t *testing.T, b *Broker, path string) *ServerChannel {
	t.Helper()
	srv, err := b.NewServer()
	require.NoError(t, err)
	require.NoError(t, srv.Bind(path, func(in *Incoming) {
		require.NoError(t, in.Respond(in.Payload()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// holdServer never answers on its own: handlers land in the returned
// channel.
func holdServer(t *testing.T, b *Broker, path string) (*ServerChannel, *[]*Incoming) {
	t.Helper()
	srv, err := b.NewServer()
	require.NoError(t, err)
	var held []*Incoming
	require.NoError(t, srv.Bind(path, func(in *Incoming) {
		held = append(held, in)
	}))
	t.Cleanup(srv.Close)
	return srv, &held
}

func newTestClient(t *testing.T, b *Broker) *ClientChannel {
	t.Helper()
	c, err := b.NewClient()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}
