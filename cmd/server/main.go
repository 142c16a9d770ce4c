package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shehryarbajwa/browserhub/internal/api"
	"github.com/shehryarbajwa/browserhub/internal/automation"
	"github.com/shehryarbajwa/browserhub/internal/config"
	"github.com/shehryarbajwa/browserhub/internal/events"
	"github.com/shehryarbajwa/browserhub/internal/lock"
	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/proxy"
	"github.com/shehryarbajwa/browserhub/internal/queue"
	"github.com/shehryarbajwa/browserhub/internal/ratelimit"
	"github.com/shehryarbajwa/browserhub/internal/region"
	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/internal/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.Fatal("Invalid configuration", "error", err)
	}
	logging.Init(cfg.Logging())

	logging.Info("Starting browserhub...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared store
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	s, err := store.New(startCtx, cfg.StoreConfig())
	cancel()
	if err != nil {
		logging.Fatal("Failed to connect to store", "error", err)
	}
	defer s.Close()
	logging.Info("✓ Store connected")

	// Region manager
	regionMgr, err := region.NewManager(cfg.Regions(), cfg.Browser.Image, cfg.Browser.PublishHost)
	if err != nil {
		logging.Fatal("Failed to create region manager", "error", err)
	}
	defer regionMgr.Close()
	logging.Info("✓ Region manager initialized", "regions", regionMgr.GetRegions())

	if !cfg.Browser.SkipImagePull {
		logging.Info("⏳ Ensuring browser images are available...")
		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err := regionMgr.EnsureImages(pullCtx)
		cancel()
		if err != nil {
			logging.Fatal("Failed to ensure images", "error", err)
		}
		logging.Info("✓ Browser images ready in all regions")
	}

	// Session manager
	locker := lock.New(s, cfg.LockConfig())
	sessionCfg := cfg.SessionConfig()
	sessionMgr := session.NewManager(s, locker, regionMgr, sessionCfg)

	executor := automation.NewRodExecutor(cfg.AutomationConfig())
	sessionMgr.OnTeardown(executor.Forget)
	logging.Info("✓ Session manager initialized",
		"idle_timeout", sessionCfg.IdleTimeout,
		"expire_while_viewing", sessionCfg.ExpireWhileViewing,
	)

	if sessionCfg.SweepInterval > 0 {
		go sessionMgr.Run(ctx)
		logging.Info("✓ Session janitor started", "interval", sessionCfg.SweepInterval)
	}

	// Command queue, event stream and live view
	q := queue.New(s, locker, sessionMgr, executor, cfg.QueueConfig())
	bridge := events.NewBridge(q, cfg.EventsConfig())
	liveView := proxy.NewServer(sessionMgr, cfg.ProxyConfig())

	var rateLimiter *ratelimit.Limiter
	if cfg.Rate.PerHour > 0 {
		rateLimiter = ratelimit.NewLimiter(cfg.Rate.PerHour, cfg.Rate.Burst)
		logging.Info("✓ Rate limiter initialized", "per_hour", cfg.Rate.PerHour, "burst", cfg.Rate.Burst)
	}

	handler := api.NewHandler(s, sessionMgr, q, bridge, liveView)
	router := handler.SetupRoutes(rateLimiter)

	// Event streams, websockets and synchronous commands stay open for
	// minutes, so there is no write timeout.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.Info("🚀 Server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Server error", "error", err)
		}
	}()

	<-ctx.Done()
	logging.Info("⏳ Shutting down server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server forced to shutdown", "error", err)
	}
	// in-flight commands stay queued and are picked up by another process
	if err := q.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Queue workers did not stop in time", "error", err)
	}

	logging.Info("✅ Server stopped cleanly")
}
