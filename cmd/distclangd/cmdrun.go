package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/dreamer-dead/dist-clang/internal/build"
	"github.com/dreamer-dead/dist-clang/internal/config"
	"github.com/dreamer-dead/dist-clang/internal/dispatcher"
	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/inflight"
	"github.com/dreamer-dead/dist-clang/internal/metrics"
	"github.com/dreamer-dead/dist-clang/internal/store"
	"github.com/dreamer-dead/dist-clang/internal/worker"
)

var cmdRun = &subcommands.Command{
	UsageLine: "run [...]",
	ShortDesc: "runs the compilation cache and build coordinator daemon",
	LongDesc: `Runs the compilation cache and build coordinator daemon.

Opens the Artifact Store at -cache-root, starts the worker pool and the
wire-protocol listener at -listen, and optionally a remote builder
client and a Prometheus metrics endpoint.
`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdRunRun{}
		c.init(c.exec)
		return c
	},
}

type cmdRunRun struct {
	commandBase
}

func (c *cmdRunRun) exec(ctx context.Context) error {
	clk := clock.Get(ctx)
	cfg := c.cfg

	sink := metrics.New()

	st, err := store.Open(ctx, cfg.CacheRoot, cfg.CacheBytes, clk, sink)
	if err != nil {
		return err
	}
	defer st.Close()

	pool := worker.New(ctx, cfg.Workers)
	defer pool.Shutdown()

	var remote remoteRunner
	if cfg.RemoteEndpoint != "" {
		remote = build.NewRemote(cfg.RemoteEndpoint, cfg.RemoteDeadline(), cfg.RemoteErrorThreshold, 30*time.Second, clk)
	}

	d := dispatcher.New(
		dispatcher.Config{LocalQueueHighWatermark: cfg.LocalQueueHighWatermark},
		st, inflight.New(), pool, build.Local{}, remote, clk, sink,
	)

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, sink)
	}

	if cfg.ListenAddr == "" {
		return errs.Configuration.Apply(errors.Reason("-listen is required to run the daemon").Err())
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errs.StoreUnavailable.Apply(errors.Annotate(err, "listen on %s", cfg.ListenAddr).Err())
	}
	logging.Infof(ctx, "distclangd: listening on %s, cache root %s", cfg.ListenAddr, cfg.CacheRoot)

	srv := newServer(ln, d)
	srv.serve(ctx)
	return nil
}

// remoteRunner mirrors dispatcher's unexported interface so cmdrun.go
// can pass either a *build.Remote or nil without importing an
// unexported type.
type remoteRunner interface {
	build.Runner
	Unreachable() bool
}

func serveMetrics(ctx context.Context, addr string, sink *metrics.Sink) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sink.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && ctx.Err() == nil {
		logging.Warningf(ctx, "distclangd: metrics server: %v", err)
	}
}
