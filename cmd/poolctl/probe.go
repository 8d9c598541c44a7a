package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"mini-pool/adapter"
	"mini-pool/client"
	"mini-pool/config"
	"mini-pool/discovery"
	"mini-pool/loadbalance"
	"mini-pool/manager"
	"mini-pool/metrics"
	"mini-pool/registry"
	"mini-pool/route"
)

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "run echo exchanges through the pool",
		Description: `Each exchange writes the payload and expects it echoed back. A correct
echo marks the connection reusable, anything else aborts it. The target is
either --target or a --service resolved through etcd (registry.endpoints)
or the static --instance list.`,
		Action: runProbe,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "target", Usage: "target host, scheme://host[:port]"},
			&cli.StringFlag{Name: "service", Usage: "service name to resolve instead of --target"},
			&cli.StringSliceFlag{Name: "instance", Usage: "static instance of --service, scheme://host:port"},
			&cli.StringFlag{Name: "balancer", Usage: "round_robin, weighted_random or consistent_hash", Value: "round_robin"},
			&cli.StringFlag{Name: "proxy", Usage: "proxy host for every exchange"},
			&cli.StringFlag{Name: "state", Usage: "reuse state attached to every lease"},
			&cli.IntFlag{Name: "requests", Aliases: []string{"n"}, Usage: "number of exchanges", Value: 100},
			&cli.IntFlag{Name: "concurrency", Usage: "concurrent exchanges", Value: 4},
			&cli.StringFlag{Name: "payload", Usage: "bytes written per exchange", Value: "ping"},
			&cli.BoolFlag{Name: "single", Usage: "use the single connection manager"},
			&cli.BoolFlag{Name: "fail-fast", Usage: "stop at the first failed exchange"},
			&cli.BoolFlag{Name: "watch", Usage: "reload pool limits when the config file changes"},
		},
	}
}

type probeResult struct {
	ok, failed atomic.Int64
	elapsed    time.Duration
}

func runProbe(cctx *cli.Context) error {
	cfg, logger, err := setup(cctx)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, pooling, err := buildManager(ctx, cfg, logger, cctx.Bool("single"))
	if err != nil {
		return err
	}
	defer m.Shutdown()

	if pooling != nil {
		if cctx.Bool("watch") && cctx.String("config") != "" {
			w, err := config.Watch(cctx.String("config"), logger, func(c *config.Config) {
				limits, err := c.Limits()
				if err == nil {
					err = pooling.ApplyLimits(limits)
				}
				if err != nil {
					logger.WithError(err).Warn("reloaded limits not applied")
				}
			})
			if err != nil {
				return err
			}
			defer w.Close()
		}
		if cfg.Metrics.Enabled {
			stopMetrics := startMetrics(ctx, cfg, pooling, logger)
			defer stopMetrics()
		}
	}

	opts := []client.Option{
		client.WithLeaseTimeout(cfg.Pool.LeaseTimeout),
		client.WithConnectTimeout(cfg.Dial.ConnectTimeout),
		client.WithKeepAlive(cfg.Pool.KeepAlive),
		client.WithTunneler(&client.ConnectTunneler{}),
		client.WithLogger(logger),
	}
	var target *route.Host
	service := cctx.String("service")
	switch {
	case service != "":
		resolver, closeRegistry, err := buildResolver(ctx, cfg, cctx, logger)
		if err != nil {
			return err
		}
		defer closeRegistry()
		opts = append(opts, client.WithResolver(resolver))
	case cctx.String("target") != "":
		h, err := route.ParseHost(cctx.String("target"))
		if err != nil {
			return err
		}
		target = &h
	default:
		return errors.New("one of --target or --service is required")
	}

	req := route.Request{}
	if s := cctx.String("state"); s != "" {
		req.State = s
	}
	if p := cctx.String("proxy"); p != "" {
		h, err := route.ParseHost(p)
		if err != nil {
			return err
		}
		req.Proxy = &h
	}

	concurrency := cctx.Int("concurrency")
	if cctx.Bool("single") || concurrency < 1 {
		concurrency = 1
	}
	c := client.NewClient(m, opts...)
	exchange := echoExchange([]byte(cctx.String("payload")))
	do := func(ctx context.Context) error {
		if target != nil {
			return c.Do(ctx, target, req, exchange)
		}
		return c.DoService(ctx, service, req, exchange)
	}

	res, err := probe(ctx, do, cctx.Int("requests"), concurrency, cctx.Bool("fail-fast"), logger)
	printSummary(cctx.App.Writer, res, pooling)
	return err
}

func buildManager(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, single bool) (manager.Manager, *manager.PoolingManager, error) {
	opts := cfg.ManagerOptions(logger)
	if single {
		return manager.NewSingleManager(opts...), nil, nil
	}

	m, err := manager.NewPoolingManager(cfg.Pool.DefaultMaxPerRoute, cfg.Pool.MaxTotal, opts...)
	if err != nil {
		return nil, nil, err
	}
	limits, err := cfg.Limits()
	if err == nil {
		err = m.ApplyLimits(limits)
	}
	if err != nil {
		m.Shutdown()
		return nil, nil, err
	}
	m.StartEvictor(ctx, cfg.Pool.SweepInterval, cfg.Pool.IdleTimeout)
	return m, m, nil
}

func buildResolver(ctx context.Context, cfg *config.Config, cctx *cli.Context, logger logrus.FieldLogger) (*discovery.Resolver, func(), error) {
	bal, err := loadbalance.New(cctx.String("balancer"))
	if err != nil {
		return nil, nil, err
	}
	service := cctx.String("service")

	var reg registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err = registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints:   cfg.Registry.Endpoints,
			DialTimeout: cfg.Registry.DialTimeout,
			Prefix:      cfg.Registry.Prefix,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
	} else {
		mem := registry.NewMemoryRegistry()
		for _, s := range cctx.StringSlice("instance") {
			h, err := route.ParseHost(s)
			if err == nil {
				err = mem.Register(ctx, service, registry.ServiceInstance{Scheme: h.Scheme, Addr: h.HostPort(), Weight: 1}, 0)
			}
			if err != nil {
				mem.Close()
				return nil, nil, fmt.Errorf("instance %q: %w", s, err)
			}
		}
		reg = mem
	}

	resolver := discovery.NewResolver(reg, bal, logger)
	if err := resolver.Watch(ctx, service); err != nil {
		reg.Close()
		return nil, nil, err
	}
	return resolver, func() { reg.Close() }, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, m *manager.PoolingManager, logger logrus.FieldLogger) func() {
	sc := metrics.NewStatsdClient(cfg.Metrics.Address, cfg.Metrics.Prefix)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		metrics.NewReporter(m, sc, logger).Run(ctx, cfg.Metrics.Interval)
	}()
	return func() {
		cancel()
		<-done
		sc.Close()
	}
}

// echoExchange writes payload and marks the connection reusable once the
// same bytes come back.
func echoExchange(payload []byte) func(*adapter.Adapter) error {
	return func(a *adapter.Adapter) error {
		if _, err := a.Write(payload); err != nil {
			return err
		}
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(a, buf); err != nil {
			return err
		}
		if string(buf) != string(payload) {
			return fmt.Errorf("echo mismatch: got %q", buf)
		}
		a.MarkReusable()
		return nil
	}
}

func probe(ctx context.Context, do func(context.Context) error, requests, concurrency int, failFast bool, logger logrus.FieldLogger) (*probeResult, error) {
	res := &probeResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < requests; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := do(gctx); err != nil {
				res.failed.Add(1)
				logger.WithError(err).WithField("exchange", i).Warn("exchange failed")
				if failFast {
					return err
				}
				return nil
			}
			res.ok.Add(1)
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return res, err
}

func printSummary(w io.Writer, res *probeResult, m *manager.PoolingManager) {
	fmt.Fprintf(w, "exchanges: %d ok, %d failed in %s\n", res.ok.Load(), res.failed.Load(), res.elapsed.Round(time.Millisecond))
	if m == nil {
		return
	}
	fmt.Fprintf(w, "total %s\n", m.TotalStats())
	routes := m.Routes()
	sort.Slice(routes, func(i, j int) bool { return routes[i].String() < routes[j].String() })
	for _, r := range routes {
		fmt.Fprintf(w, "  %s %s\n", r, m.Stats(r))
	}
}
