// Command tasklinkd hosts a broker joining a cluster of peers. It can serve
// an echo destination and send requests, which is mostly useful to check a
// deployment end to end.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raskyld/tasklink"
	props "github.com/raskyld/tasklink/pkg/config"
	"github.com/raskyld/tasklink/pkg/wire"
	"github.com/urfave/cli/v2"
)

var brokerFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "toml file overriding broker tunables",
	},
	&cli.StringFlag{
		Name:  "hostname",
		Usage: "node name advertised to peers, must be unique in the cluster",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1",
		Usage: "UDP interface the QUIC transport binds",
	},
	&cli.IntFlag{
		Name:  "listen-port",
		Value: 6174,
		Usage: "UDP port the QUIC transport binds",
	},
	&cli.StringFlag{
		Name:  "gossip-addr",
		Value: "127.0.0.1",
		Usage: "interface memberlist binds",
	},
	&cli.IntFlag{
		Name:  "gossip-port",
		Value: 7946,
		Usage: "port memberlist binds",
	},
	&cli.StringSliceFlag{
		Name:  "neighbours",
		Usage: "gossip address of peers to join",
	},
	&cli.UintFlag{
		Name:  "instance",
		Usage: "broker instance id, random when not set",
	},
	&cli.StringFlag{
		Name:  "tls-cert",
		Usage: "certificate presented to peers",
	},
	&cli.StringFlag{
		Name:  "tls-key",
		Usage: "private key of the certificate",
	},
	&cli.StringFlag{
		Name:  "tls-ca",
		Usage: "CA bundle peers are verified against",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "one of debug, info, warn, error",
	},
}

func main() {
	app := &cli.App{
		Name:  "tasklinkd",
		Usage: "run a tasklink broker",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "join the cluster and serve until interrupted",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{
						Name:  "echo",
						Usage: "paths answered with the payload they received",
					},
				}, brokerFlags...),
				Action: serve,
			},
			{
				Name:      "send",
				Usage:     "join the cluster and send one request",
				ArgsUsage: "PATH PAYLOAD",
				Flags: append([]cli.Flag{
					&cli.UintFlag{
						Name:  "method",
						Value: 1,
						Usage: "method number of the destination",
					},
					&cli.UintFlag{
						Name:  "priority",
						Value: uint(wire.PriorityDefault),
						Usage: "0 for background, 1 for default, 2 for high",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Value: 10 * time.Second,
						Usage: "how long to wait for the response",
					},
					&cli.DurationFlag{
						Name:  "settle",
						Value: 2 * time.Second,
						Usage: "how long to let gossip converge before sending",
					},
				}, brokerFlags...),
				Action: send,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("tasklinkd failed", "error", err)
		os.Exit(1)
	}
}

func startBroker(cCtx *cli.Context) (*tasklink.Broker, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cCtx.String("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	opts := []tasklink.Option{
		tasklink.WithLog(handler),
		tasklink.WithHostname(cCtx.String("hostname")),
	}

	if path := cCtx.String("config"); path != "" {
		store, err := props.Load(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tasklink.WithProperties(store))
	}
	if instance := cCtx.Uint("instance"); instance != 0 {
		opts = append(opts, tasklink.WithInstanceID(uint32(instance)))
	}

	// Without credentials the broker stays alone.
	if cCtx.String("tls-cert") != "" {
		tlsConf, err := loadTlsConfig(cCtx.String("tls-cert"), cCtx.String("tls-key"), cCtx.String("tls-ca"))
		if err != nil {
			return nil, fmt.Errorf("failed to load tls creds: %w", err)
		}
		opts = append(opts,
			tasklink.WithTlsConfig(tlsConf),
			tasklink.WithListenOn(cCtx.String("listen-addr"), cCtx.Int("listen-port")),
			tasklink.WithGossipOn(cCtx.String("gossip-addr"), cCtx.Int("gossip-port")),
			tasklink.WithNeighbours(cCtx.StringSlice("neighbours")),
		)
	}
	return tasklink.Create(opts...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serve(cCtx *cli.Context) error {
	broker, err := startBroker(cCtx)
	if err != nil {
		return err
	}
	defer broker.Shutdown()

	paths := cCtx.StringSlice("echo")
	if len(paths) > 0 {
		srv, err := broker.NewServer()
		if err != nil {
			return err
		}
		defer srv.Close()
		for _, path := range paths {
			err := srv.Bind(path, func(in *tasklink.Incoming) {
				if err := in.Respond(in.Payload()); err != nil {
					slog.Warn("could not answer", "path", path, "error", err)
				}
			})
			if err != nil {
				return err
			}
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	slog.Info("broker ready", "instance", broker.InstanceID(), "gossip", broker.GossipAddr())
	<-ctx.Done()
	slog.Info("terminating...")
	return nil
}

func send(cCtx *cli.Context) error {
	if cCtx.NArg() != 2 {
		return errors.New("send needs a path and a payload")
	}
	priority := wire.Priority(cCtx.Uint("priority"))
	if !priority.Valid() {
		return fmt.Errorf("invalid priority %d", cCtx.Uint("priority"))
	}

	broker, err := startBroker(cCtx)
	if err != nil {
		return err
	}
	defer broker.Shutdown()

	client, err := broker.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if len(cCtx.StringSlice("neighbours")) > 0 {
		select {
		case <-time.After(cCtx.Duration("settle")):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, cCtx.Duration("timeout"))
	defer cancelTimeout()
	rsp, err := client.SendBlocking(
		ctx,
		cCtx.Args().Get(0),
		uint32(cCtx.Uint("method")),
		[]byte(cCtx.Args().Get(1)),
		tasklink.WithPriority(priority),
		tasklink.WithTimeout(cCtx.Duration("timeout")),
	)
	if err != nil {
		return err
	}
	fmt.Println(string(rsp))
	return nil
}

func loadTlsConfig(cert, key, ca string) (*tls.Config, error) {
	if cert == "" || key == "" || ca == "" {
		return nil, errors.New("all tls option must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	caBytes, err := os.ReadFile(ca)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	caBundle.AppendCertsFromPEM(caBytes)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
