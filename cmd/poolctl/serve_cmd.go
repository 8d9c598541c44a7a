package main

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"mini-pool/registry"
	"mini-pool/server"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run an echo target for probe",
		Description: `Runs an echo server. With registry.endpoints configured and --service set,
the server announces itself in etcd until it shuts down.`,
		Action: runServe,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "listen address", Value: "127.0.0.1:9000"},
			&cli.StringFlag{Name: "advertise", Usage: "address announced in the registry, defaults to the listen address"},
			&cli.StringFlag{Name: "service", Usage: "service name announced in the registry"},
			&cli.IntFlag{Name: "max-exchanges", Usage: "close connections after n echoes, 0 for unlimited"},
			&cli.DurationFlag{Name: "idle-timeout", Usage: "close connections idle for this long"},
			&cli.DurationFlag{Name: "shutdown-timeout", Usage: "grace period for open connections", Value: 5 * time.Second},
		},
	}
}

func runServe(cctx *cli.Context) error {
	cfg, logger, err := setup(cctx)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMaxExchanges(cctx.Int("max-exchanges")),
		server.WithIdleTimeout(cctx.Duration("idle-timeout")),
	}
	if service := cctx.String("service"); service != "" {
		if len(cfg.Registry.Endpoints) == 0 {
			return errors.New("--service needs registry.endpoints in the config")
		}
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints:   cfg.Registry.Endpoints,
			DialTimeout: cfg.Registry.DialTimeout,
			Prefix:      cfg.Registry.Prefix,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, service, cctx.String("advertise")))
	}

	ln, err := net.Listen("tcp", cctx.String("listen"))
	if err != nil {
		return err
	}
	s := server.NewServer(opts...)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cctx.Duration("shutdown-timeout"))
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-served
}
