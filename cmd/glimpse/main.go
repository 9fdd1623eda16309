// Package main wires together the render proxy service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/api"
	"github.com/glimpse-proxy/glimpse/internal/cache"
	"github.com/glimpse-proxy/glimpse/internal/cache/gcsstore"
	"github.com/glimpse-proxy/glimpse/internal/cache/localstore"
	"github.com/glimpse-proxy/glimpse/internal/cache/memory"
	"github.com/glimpse-proxy/glimpse/internal/cache/overlay"
	"github.com/glimpse-proxy/glimpse/internal/cache/redisstore"
	"github.com/glimpse-proxy/glimpse/internal/clock/system"
	"github.com/glimpse-proxy/glimpse/internal/config"
	"github.com/glimpse-proxy/glimpse/internal/core"
	"github.com/glimpse-proxy/glimpse/internal/database"
	"github.com/glimpse-proxy/glimpse/internal/fetch"
	"github.com/glimpse-proxy/glimpse/internal/hash/sha256"
	"github.com/glimpse-proxy/glimpse/internal/id/uuid"
	"github.com/glimpse-proxy/glimpse/internal/logging"
	"github.com/glimpse-proxy/glimpse/internal/pool"
	"github.com/glimpse-proxy/glimpse/internal/pool/chromedplauncher"
	"github.com/glimpse-proxy/glimpse/internal/pressure"
	memorypublisher "github.com/glimpse-proxy/glimpse/internal/publisher/memory"
	pubsubpublisher "github.com/glimpse-proxy/glimpse/internal/publisher/pubsub"
	"github.com/glimpse-proxy/glimpse/internal/render"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache tiers, fastest first. Memory is always on; the rest join by
	// configuration. An unreachable optional tier is logged and skipped so
	// the service still starts.
	memTier := memory.New(time.Duration(cfg.Cache.JanitorIntervalSec) * time.Second)
	tiers := []core.StoreDriver{memTier}

	if cfg.Cache.Redis.Enabled {
		redisTier, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			logger.Warn("redis tier unavailable", zap.Error(err))
		} else {
			tiers = append(tiers, redisTier)
		}
	}
	if cfg.Cache.GCS.Enabled {
		gcsTier, err := gcsstore.New(ctx, gcsstore.Config{
			Bucket: cfg.Cache.GCS.Bucket,
			Prefix: cfg.Cache.GCS.Prefix,
		})
		if err != nil {
			logger.Warn("gcs tier unavailable", zap.Error(err))
		} else {
			tiers = append(tiers, gcsTier)
		}
	}
	var localTier *localstore.Store
	if cfg.Cache.Local.Enabled {
		localTier, err = localstore.New(localstore.Config{BaseDir: cfg.Cache.Local.BaseDir})
		if err != nil {
			logger.Warn("local tier unavailable", zap.Error(err))
		} else {
			tiers = append(tiers, localTier)
		}
	}

	over, err := overlay.New(tiers, logger.Named("cache"),
		overlay.WithOpTimeout(time.Duration(cfg.Cache.OpTimeoutMs)*time.Millisecond),
		overlay.WithHealTimeout(time.Duration(cfg.Cache.HealTimeoutMs)*time.Millisecond),
	)
	if err != nil {
		logger.Fatal("build cache overlay", zap.Error(err))
	}
	accessors := cache.NewAccessors(over)

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()

	monitor := pressure.New(logger.Named("pressure"),
		pressure.WithThreshold(cfg.Pressure.Threshold),
		pressure.WithSweepInterval(time.Duration(cfg.Pressure.SweepIntervalSec)*time.Second),
	)

	launcher := chromedplauncher.New(cfg.Render.UserAgent, logger.Named("launcher"))
	tabPool, err := pool.New(pool.Config{
		MaxRenderers:        cfg.Pool.MaxRenderers,
		MaxPagesPerRenderer: cfg.Pool.MaxPagesPerRenderer,
		PageIdleTimeout:     time.Duration(cfg.Pool.PageIdleTimeoutSec) * time.Second,
		RendererIdleTimeout: time.Duration(cfg.Pool.RendererIdleTimeoutSec) * time.Second,
		LaunchTimeout:       time.Duration(cfg.Pool.LaunchTimeoutSec) * time.Second,
	}, launcher, monitor, clock, logger.Named("pool"))
	if err != nil {
		logger.Fatal("build renderer pool", zap.Error(err))
	}

	monitor.RegisterCleanup("pool_sweep", func(ctx context.Context) error {
		tabPool.Sweep(ctx)
		return nil
	})
	monitor.RegisterCleanup("memory_tier_clear", func(context.Context) error {
		memTier.Clear()
		return nil
	})
	if localTier != nil {
		monitor.RegisterCleanup("local_tier_purge", localTier.PurgeExpired)
	}

	shots := render.NewScreenshotter(render.Config{
		Timeout:     cfg.RenderTimeout(),
		OriginQPS:   cfg.Render.OriginQPS,
		MaxAttempts: cfg.Render.MaxAttempts,
	}, logger.Named("render"))

	fetcher := fetch.New(fetch.Config{
		UserAgent:    cfg.Render.UserAgent,
		Timeout:      time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})

	var audit core.AuditStore = database.NewNoOpStore()
	if cfg.DB.Enabled {
		auditStore, err := database.NewAuditStore(ctx, database.AuditStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			logger.Fatal("connect audit store", zap.Error(err))
		}
		audit = auditStore
	}
	defer audit.Close()

	var publisher core.Publisher = memorypublisher.New()
	if cfg.PubSub.Enabled {
		pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Fatal("connect pubsub", zap.Error(err))
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close pubsub", zap.Error(err))
			}
		}()
		publisher = pub
	}

	apiServer := api.NewServer(api.Deps{
		Accessors: accessors,
		Pool:      tabPool,
		Shots:     shots,
		Fetcher:   fetcher,
		Hasher:    hasher,
		IDGen:     idGen,
		Clock:     clock,
		Audit:     audit,
		Publisher: publisher,
	}, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("pressure monitor started")
		monitor.Run(ctx)
	}()

	go func() {
		interval := time.Duration(cfg.Pool.SweepIntervalSec) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tabPool.Sweep(ctx)
			}
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	tabPool.Shutdown(shutdownCtx)
	monitor.Sweep(shutdownCtx)
	over.WaitHeals()
	if err := memTier.Close(); err != nil {
		logger.Warn("close memory tier", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
