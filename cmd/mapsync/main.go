package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/mapsync/internal/core/config"
	"github.com/mohammed-shakir/mapsync/internal/core/health"
	"github.com/mohammed-shakir/mapsync/internal/core/httpclient"
	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/core/server"
	"github.com/mohammed-shakir/mapsync/internal/engine"
	"github.com/mohammed-shakir/mapsync/internal/layerevents"
	"github.com/mohammed-shakir/mapsync/internal/logger"
	"github.com/mohammed-shakir/mapsync/internal/metrics"
	"github.com/mohammed-shakir/mapsync/internal/persist"
	"github.com/mohammed-shakir/mapsync/internal/persist/redisstore"
	"github.com/mohammed-shakir/mapsync/internal/surface/memory"
	"github.com/mohammed-shakir/mapsync/internal/upstream"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	workspace := flag.String("workspace", "", "workspace to restore (overrides WORKSPACE)")
	flag.Parse()

	cfg := config.FromEnv()
	if *workspace != "" {
		cfg.Workspace = strings.TrimSpace(*workspace)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Workspace: cfg.Workspace,
		Component: "mapsync",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
		Workspace: cfg.Workspace,
	})
	observability.Init(p.Registerer(), true)
	observability.ExposeBuildInfo(Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]health.Check{}

	mem := persist.NewMemStore()
	var store persist.Store = mem
	checks["store"] = mem.Ping
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis unavailable", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		store = rc
		checks["store"] = rc.Ping
	}
	bridge := persist.NewBridge(store, cfg.Workspace, cfg.PersistOpTimeout, appLog)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bridge.Close(closeCtx); err != nil {
			appLog.Warn("persist bridge close", "err", err)
		}
	}()

	hc := httpclient.NewOutbound(cfg.UpstreamTimeout)
	kinds, err := upstream.NewKindClient(hc, cfg.MetadataURL, cfg.KindCacheSize, appLog)
	if err != nil {
		appLog.Error("metadata client setup failed", "err", err)
		return 1
	}
	query, err := upstream.NewQueryClient(hc, cfg.QueryURL, cfg.QueryLimit, cfg.QueryH3Res, cfg.QueryCacheSize, appLog)
	if err != nil {
		appLog.Error("query client setup failed", "err", err)
		return 1
	}
	styles := upstream.NewStyleClient(hc, cfg.StyleURLs)

	surf := memory.New(memory.WithAutoSettle())
	sess := engine.NewSession(engine.Deps{
		Surface:      surf,
		Input:        surf.Drawer(),
		Kinds:        kinds,
		Query:        query,
		Collection:   cfg.QueryCollection,
		Styles:       styles,
		Bridge:       bridge,
		Catalog:      engine.TemplateCatalog(cfg.TileURL),
		DefaultStyle: cfg.DefaultStyle,
		Log:          appLog,
	})
	defer sess.Close()
	go func() {
		if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.Error("session loop exited", "err", err)
		}
	}()
	checks["style"] = sess.Ready

	appLog.Info("starting mapsync",
		"addr", cfg.Addr,
		"version", Version,
		"workspace", cfg.Workspace,
		"styles", styles.IDs(),
		"redis", cfg.RedisAddr != "")

	startCtx, cancel := context.WithTimeout(ctx, cfg.UpstreamTimeout+5*time.Second)
	if err := sess.Start(startCtx); err != nil {
		appLog.Error("initial base style failed; session stays interactive", "err", err)
	}
	cancel()

	if cfg.LayerEvents.Enabled {
		consumer := layerevents.New(layerevents.FromConfig(cfg.LayerEvents), appLog, sess)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("layer event consumer stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Session: sess,
		Checks:  checks,
		Metrics: p.Handler(),
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
