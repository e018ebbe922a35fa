package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/corkboard/corkboard"
	"github.com/corkboard/corkboard/internal/cache"
	"github.com/corkboard/corkboard/internal/config"
	"github.com/corkboard/corkboard/internal/conflict"
	"github.com/corkboard/corkboard/internal/flush"
	"github.com/corkboard/corkboard/internal/locks"
	"github.com/corkboard/corkboard/internal/presence"
	"github.com/corkboard/corkboard/internal/relay"
	"github.com/corkboard/corkboard/internal/router"
	"github.com/corkboard/corkboard/internal/service"
	"github.com/corkboard/corkboard/internal/storage/factory"
	"github.com/corkboard/corkboard/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "corkd", corkboard.Version); err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	store, err := factory.Open(ctx, cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	store = telemetry.WrapStorage(store)
	defer store.Close()

	var (
		boardCache cache.BoardCache
		lockMgr    locks.Manager
		registry   presence.Registry
	)
	if cfg.MemoryBackends() {
		log.Info("cache_url is empty: using in-memory cache, locks, and presence (single-node)")
		boardCache = cache.NewMemory(cache.WithTTL(cfg.CacheTTL))
		lockMgr = locks.NewMemory(locks.WithTTL(cfg.LockTTL))
		registry = presence.NewMemory(presence.WithTTL(cfg.PresenceTTL))
	} else {
		rc, err := cache.NewRedis(cfg.CacheURL,
			cache.WithNamespace(cfg.CacheNamespace),
			cache.WithTTL(cfg.CacheTTL),
		)
		if err != nil {
			return fmt.Errorf("connecting to cache: %w", err)
		}
		// Locks and presence share the cache's connection pool.
		boardCache = rc
		lockMgr = locks.NewRedis(rc.Client(),
			locks.WithNamespace(cfg.CacheNamespace),
			locks.WithTTL(cfg.LockTTL),
		)
		registry = presence.NewRedis(rc.Client(),
			presence.WithNamespace(cfg.CacheNamespace),
			presence.WithTTL(cfg.PresenceTTL),
		)
	}
	defer boardCache.Close()
	defer lockMgr.Close()
	defer registry.Close()

	queue := flush.New(log,
		flush.WithDelay(cfg.FlushDelay),
		flush.WithWorkers(cfg.FlushWorkers),
	)
	tasks := service.NewTasks(boardCache, store, queue, lockMgr, log)
	auditor := conflict.NewAuditor(store, log)

	rt := router.New(router.Config{
		AllowedOrigin: cfg.AllowedOrigin,
		AuthToken:     cfg.AuthToken,
		Version:       corkboard.Version,
	}, router.Deps{
		Tasks:    tasks,
		Locks:    lockMgr,
		Presence: registry,
		Auditor:  auditor,
		Flush:    queue,
		Log:      log,
		Ready: func(ctx context.Context) error {
			if err := boardCache.Ping(ctx); err != nil {
				return fmt.Errorf("cache: %w", err)
			}
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			return nil
		},
	})

	var rel *relay.Relay
	if cfg.NATSURL != "" {
		nodeID := uuid.NewString()
		rel, err = relay.Connect(cfg.NATSURL, nodeID, rt.Hub(), log,
			relay.WithToken(cfg.NATSToken))
		if err != nil {
			return fmt.Errorf("connecting relay: %w", err)
		}
		rt.Hub().SetRelay(rel)
	}

	// The hub outlives the accept loop so queued broadcasts still drain
	// during shutdown; it is canceled after the HTTP server stops.
	hubCtx, stopHub := context.WithCancel(context.Background())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("corkd listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}
		stopHub()
		return nil
	})

	err = g.Wait()

	// Drain order matters: the flush queue holds unpersisted board
	// state, the auditor holds unpersisted conflict records. Both drain
	// before the store closes (deferred above).
	if cerr := queue.Close(); cerr != nil {
		log.WithError(cerr).Error("flush queue did not drain cleanly")
	}
	auditor.Close()
	if rel != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := rel.Close(drainCtx); cerr != nil {
			log.WithError(cerr).Warn("relay close failed")
		}
		cancel()
	}

	log.Info("corkd stopped")
	return err
}
