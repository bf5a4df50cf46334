package tasklink

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	props "github.com/raskyld/tasklink/pkg/config"
	"github.com/raskyld/tasklink/pkg/registry"
	"github.com/raskyld/tasklink/pkg/sockset"
	"github.com/raskyld/tasklink/pkg/wire"
)

type config struct {
	mlCfg        *memberlist.Config
	trCfg        sockset.TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	gossip       bool

	instanceID uint32
	props      *props.Store
	registry   *registry.Registry
	tick       time.Duration
	loops      int
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface the QUIC transport between
// brokers binds to. A negative port lets the kernel choose.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithGossipOn enables peering and specifies where memberlist listens.
// Port 0 lets the kernel choose. It needs a TLS config since peers talk
// over QUIC.
func WithGossipOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.gossip = true
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies which node name should be exposed to other
// peers when joining the cluster. For a well-behaving cluster, the name
// MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.mlCfg.Name = hostname
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Broker.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// NB(raskyld): memberlist still emits through armon/go-metrics.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used between brokers. Use mTLS in
// production, it is the only thing authenticating peers.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return sockset.ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Broker`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// peer broker to accept a socket.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithInstanceID sets the broker id stamped in every request id. It must
// be unique in the cluster, a random one is picked otherwise.
func WithInstanceID(id uint32) Option {
	return func(c *config) error {
		if id == 0 || id > wire.MaxBrokerID {
			return fmt.Errorf("%w: %d", ErrInvalidInstance, id)
		}
		c.instanceID = id
		return nil
	}
}

// WithProperties sets the store tunables are read from.
func WithProperties(store *props.Store) Option {
	return func(c *config) error {
		c.props = store
		return nil
	}
}

// WithRegistry shares a registry, mostly useful to inspect it in tests.
func WithRegistry(reg *registry.Registry) Option {
	return func(c *config) error {
		c.registry = reg
		return nil
	}
}

// WithTickInterval overrides `gc.tick`, how often the garbage truck runs.
func WithTickInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return fmt.Errorf("tick interval must be positive, got %s", interval)
		}
		c.tick = interval
		return nil
	}
}

// WithLoops sets how many event loops channels are spread over.
func WithLoops(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("need at least one loop, got %d", n)
		}
		c.loops = n
		return nil
	}
}
