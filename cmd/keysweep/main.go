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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/yourneighborhoodchef/keysweep/internal/api"
	"github.com/yourneighborhoodchef/keysweep/internal/client"
	"github.com/yourneighborhoodchef/keysweep/internal/config"
	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
	"github.com/yourneighborhoodchef/keysweep/internal/fingerprint"
	"github.com/yourneighborhoodchef/keysweep/internal/logging"
	"github.com/yourneighborhoodchef/keysweep/internal/metrics"
	"github.com/yourneighborhoodchef/keysweep/internal/monitor"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
	"github.com/yourneighborhoodchef/keysweep/internal/ratelimit"
	"github.com/yourneighborhoodchef/keysweep/internal/scheduler"
	"github.com/yourneighborhoodchef/keysweep/internal/store/memory"
	"github.com/yourneighborhoodchef/keysweep/internal/store/postgres"
	"github.com/yourneighborhoodchef/keysweep/internal/store/redis"
)

type backend interface {
	credential.Store
	proxy.Store
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" {
			fmt.Println("Usage: keysweep [config_path]")
			fmt.Println("  config_path: YAML config file (default: ./config.yaml or ./config/config.yaml)")
			fmt.Println("  Every setting can be overridden with KEYSWEEP_<SECTION>_<KEY>.")
			return
		}
	}

	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Keysweep stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("Store ready", zap.String("driver", cfg.Store.Driver))

	credentials, err := credential.NewPool(ctx, store, credential.Options{
		RateLimitCooldown: cfg.Rotation.RateLimitCooldown,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if err := credentials.ImportAccounts(ctx, cfg.Accounts); err != nil {
		return fmt.Errorf("import accounts: %w", err)
	}

	prober := client.NewProber(cfg.Proxies.ProbeTimeout, firstProfile(cfg.Fingerprints.ClientProfiles))
	proxies, err := proxy.NewPool(ctx, store, proxy.Options{
		FailureThreshold: cfg.Proxies.FailureThreshold,
		Prober:           prober,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	for _, raw := range cfg.Proxies.List {
		if _, err := proxies.Add(ctx, raw); err != nil {
			return fmt.Errorf("add proxy: %w", err)
		}
	}
	if proxies.Len() == 0 {
		logger.Info("No proxies configured, dispatching over direct connections")
	}

	seed := cfg.Fingerprints.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	fingerprints := fingerprint.NewPool(cfg.Fingerprints.PoolSize, cfg.Fingerprints.ClientProfiles, seed)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	throttle := ratelimit.NewThrottle(cfg.Rotation.RequestsPerSecond, cfg.Rotation.Burst)
	sched := scheduler.New(scheduler.Options{
		CooldownMin: cfg.Rotation.CooldownMin,
		CooldownMax: cfg.Rotation.CooldownMax,
		Throttle:    throttle,
		Observer:    collector,
	})

	dispatcher := dispatch.New(dispatch.Pools{
		Credentials:  credentials,
		Proxies:      proxies,
		Fingerprints: fingerprints,
	}, sched, dispatch.Options{
		MaxAttempts:  cfg.Rotation.MaxAttempts,
		RetrySpacing: cfg.Rotation.RetrySpacing,
		ShareProxies: cfg.Proxies.ShareWhenExhausted,
		Throttle:     throttle,
		Recorder:     collector,
		Logger:       logger,
	})

	stats := credentials.Stats()
	logger.Info("Pools loaded",
		zap.Int("accounts", stats.TotalAccounts),
		zap.Int("projects", stats.TotalProjects),
		zap.Int("proxies", proxies.Len()),
		zap.Int("fingerprints", fingerprints.Size()),
	)

	monOpts := monitor.Options{
		Interval: monitor.DefaultInterval,
		Updater:  collector,
		Logger:   logger,
	}
	if cfg.Proxies.CheckInterval > 0 {
		monOpts.Interval = cfg.Proxies.CheckInterval
		monOpts.ProbeURL = cfg.Proxies.ProbeURL
	}
	mon := monitor.New(dispatcher, proxies, monOpts)
	go mon.Run(ctx)

	executor := client.NewExecutor(client.ExecutorOptions{
		BaseURL:   cfg.Upstream.BaseURL,
		KeyHeader: cfg.Upstream.KeyHeader,
		Timeout:   cfg.Upstream.Timeout,
		Logger:    logger,
	})
	server := api.NewServer(dispatcher, executor, api.Options{
		Mode:     cfg.Server.Mode,
		ProbeURL: cfg.Proxies.ProbeURL,
		Gatherer: registry,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func() error, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := postgres.Open(cfg.Store.DatabaseURL, cfg.Store.MaxConnections, cfg.Store.MaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s, err := redis.Open(ctx, cfg.Store.RedisURL, cfg.Store.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return memory.New(), func() error { return nil }, nil
	}
}

func firstProfile(profiles []string) string {
	if len(profiles) > 0 {
		return profiles[0]
	}
	return ""
}
