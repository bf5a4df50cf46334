package sockset

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

const (
	defaultUDPBufferSize = 1 << 21
	defaultPort          = 6174

	// ALPN negotiated between brokers when the TLS config leaves it empty.
	NextProto = "tasklink/1"
)

// TransportConfig configures the QUIC transport between brokers.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// Otherwise we retry with half the size until it fits.
	EnforceBufferSize bool

	// TlsConfig should enforce mTLS between brokers.
	TlsConfig *tls.Config

	BindAddr string
	// BindPort 0 picks 6174, a negative port lets the kernel choose.
	BindPort int

	// MaxStreams hints how many sockets a peer may open toward us.
	MaxStreams int64

	HostnameResolver HostnameResolver

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink

	// DialTimeout bounds connection and stream establishment.
	DialTimeout time.Duration

	// Linger is how long Shutdown lets streams flush before closing
	// connections.
	Linger time.Duration

	LogHandler slog.Handler
}

// Inbound is a stream opened by a peer broker, with its handshake read.
type Inbound struct {
	Stream    quic.Stream
	Reader    *bufio.Reader
	Handshake wire.Handshake
	Peer      Hostname
	Remote    net.Addr
}

// Transport owns the UDP socket and the QUIC connections to peer brokers.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	gracefulTerm atomic.Bool

	inboundCh chan *Inbound
	cxsLock   sync.RWMutex
	cxs       map[string][]hostCx
	wg        sync.WaitGroup

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

type hostCx struct {
	host Hostname
	quic.Connection
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:       cfg,
		inboundCh: make(chan *Inbound),
		cxs:       make(map[string][]hostCx),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	tlsConfig := cfg.TlsConfig.Clone()
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{NextProto}
	}
	cfg.TlsConfig = tlsConfig

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultPort
	} else if port < 0 {
		port = 0
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	maxStreams := cfg.MaxStreams
	if maxStreams == 0 {
		maxStreams = 1000
	}

	ln, err := t.tr.Listen(cfg.TlsConfig, &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:          false,
		MaxIncomingStreams: maxStreams,
		MaxIdleTimeout:     1 * time.Minute,
		KeepAlivePeriod:    15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

// Addr is the UDP address peers dial.
func (t *Transport) Addr() *net.UDPAddr {
	return t.udpLn.LocalAddr().(*net.UDPAddr)
}

// Inbound delivers streams opened by peers, once their handshake is read.
func (t *Transport) Inbound() <-chan *Inbound {
	return t.inboundCh
}

// OpenStream opens a stream toward addr, reusing a live connection, and
// sends the handshake as the first frame.
func (t *Transport) OpenStream(ctx context.Context, addr string, hs wire.Handshake) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(addr))
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}

	buf, err := hs.MarshalBinary()
	if err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		stream.CancelRead(QErrStreamProtocolViolation)
		return nil, err
	}
	if err := wire.WriteFrame(stream, buf); err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("cannot_send_handshake")),
		)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, mLabels)
	return stream, nil
}

// Shutdown closes every connection after the configured linger.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	if t.cfg.Linger > 0 {
		// NB(raskyld): go-quic has no SO_LINGER, give streams a chance to
		// flush before closing the connections under them.
		time.Sleep(t.cfg.Linger)
	}

	t.cxsLock.Lock()
	for _, cxs := range t.cxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.cxs = make(map[string][]hostCx)
	t.cxsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}
		t.handleConn(conn)
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()), telemetry.LabelPeerName.L(hcx.host))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection was closed", telemetry.LabelError.L(ctx.Err()))
				return
			}
			logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				append(mLabels, telemetry.LabelError.M("unknown")),
			)
			continue
		}

		t.wg.Add(1)
		go t.readHandshake(hcx, stream, logger, mLabels)
	}
}

func (t *Transport) readHandshake(hcx hostCx, stream quic.Stream, logger *slog.Logger, mLabels []metrics.Label) {
	defer t.wg.Done()
	logger = logger.With("stream_id", stream.StreamID())

	stream.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	rd := bufio.NewReader(stream)
	frame, err := wire.ReadFrame(rd, rd)
	stream.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Warn("error waiting for stream handshake", telemetry.LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("no_handshake")),
		)
		return
	}

	var hs wire.Handshake
	if err := hs.UnmarshalBinary(frame); err != nil {
		logger.Warn("protocol violation: malformed handshake", telemetry.LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("protocol_violation")),
		)
		return
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstInCount,
		1.0,
		append(mLabels, telemetry.LabelChannelType.M(hs.ChannelType.String())),
	)

	in := &Inbound{
		Stream:    stream,
		Reader:    rd,
		Handshake: hs,
		Peer:      hcx.host,
		Remote:    hcx.RemoteAddr(),
	}
	select {
	case t.inboundCh <- in:
	case <-hcx.Context().Done():
		stream.CancelRead(QErrStreamClosed)
		stream.CancelWrite(QErrStreamClosed)
	}
}

func (t *Transport) getActiveCx(ctx context.Context, target string) (hostCx, error) {
	t.cxsLock.RLock()
	cx, hasCx := t.firstActiveCx(target)
	t.cxsLock.RUnlock()
	if hasCx {
		return cx, nil
	}
	return t.dial(ctx, target)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(target string) []hostCx {
	cxs := t.cxs[target]
	alive := cxs[:0]
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			alive = append(alive, cx)
		}
	}
	if len(alive) == 0 {
		delete(t.cxs, target)
		return nil
	}
	t.cxs[target] = alive
	return alive
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(target string) (hostCx, bool) {
	for _, cx := range t.cxs[target] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(peer))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer))

	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	host, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", telemetry.LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrInternal.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return hostCx{}, ErrHostnameResolve
	}

	hcx := hostCx{host: host, Connection: conn}
	t.cxsLock.Lock()
	if t.gracefulTerm.Load() {
		t.cxsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}
	alive := t.garbageCollectCxs(peer)
	t.cxs[peer] = append(alive, hcx)
	t.cxsLock.Unlock()

	logger.Debug("connection established", telemetry.LabelPeerName.L(host))
	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		append(mLabels, telemetry.LabelPeerName.M(string(host))),
	)

	t.wg.Add(1)
	go t.handleStreams(hcx)
	return hcx, nil
}
