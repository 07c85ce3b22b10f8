package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/helioslabs/helios/internal/api"
	"github.com/helioslabs/helios/internal/api/grpchealth"
	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/cache"
	"github.com/helioslabs/helios/internal/circuitbreaker"
	"github.com/helioslabs/helios/internal/config"
	"github.com/helioslabs/helios/internal/kernel"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/metrics"
	"github.com/helioslabs/helios/internal/observability"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/provider/anthropic"
	"github.com/helioslabs/helios/internal/provider/bedrock"
	"github.com/helioslabs/helios/internal/provider/echo"
	"github.com/helioslabs/helios/internal/provider/openaicompat"
	"github.com/helioslabs/helios/internal/provider/wsbridge"
	"github.com/helioslabs/helios/internal/ratelimit"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/secrets"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/store"
	"github.com/helioslabs/helios/internal/tenant"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the inference kernel daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				cfg.Daemon.GRPCAddr = grpcAddr
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC health listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func runDaemon(cfg *config.Config) error {
	ctx := context.Background()
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	log := logging.Op().With("component", "daemon")
	metrics.InitPrometheus("helios", nil)

	if cfg.Telemetry.Enabled {
		err := observability.Init(ctx, observability.Config{
			Enabled:        true,
			Exporter:       cfg.Telemetry.Exporter,
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    "helios",
			ServiceVersion: Version,
			SampleRate:     cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
	}

	// Redis is optional: rate limiting and the cache L2 fall back to
	// in-process implementations when it is unreachable.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unreachable, using in-process cache and rate limiting", "addr", cfg.Redis.Addr, "error", err)
			client.Close()
		} else {
			redisClient = client
		}
	}

	var c cache.Cache = cache.NewInMemoryCache()
	var invalidator *cache.Invalidator
	if redisClient != nil {
		local := c
		shared := cache.NewRedisCacheFromClient(redisClient, "")
		c = cache.NewTieredCache(local, shared, 10*time.Second)
		invalidator = cache.NewInvalidator(local, redisClient)
		go invalidator.Start(ctx)
	}

	// The metadata store is optional; without it manifests come from
	// YAML files and tenants/keys from static config.
	var st store.Store
	var pg *store.PostgresStore
	var batcher *store.LogBatcher
	if cfg.Postgres.DSN != "" {
		var err error
		pg, err = store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		st = store.NewCachedStore(pg, 5*time.Second)
		batcher = store.NewLogBatcher(pg)
		logging.Default().SetSink(func(rec *logging.InferenceLog) {
			batcher.Enqueue(rec)
		})
	}

	if cfg.Audit.LogDir != "" {
		if err := logging.Default().SetOutput(filepath.Join(cfg.Audit.LogDir, "inference.jsonl")); err != nil {
			return fmt.Errorf("open inference log: %w", err)
		}
	}

	resolver, err := buildResolver(cfg, st)
	if err != nil {
		return err
	}

	preg := provider.NewRegistry(provider.WithHealthTTL(cfg.Health.CacheTTL))
	for _, spec := range cfg.Providers {
		p, err := buildProvider(ctx, spec, resolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", spec.ID, err)
		}
		preg.Register(p)
		log.Info("registered provider", "id", p.ID(), "kind", spec.Kind)
	}

	var mstore manifest.Store
	if st != nil {
		mstore = st
	}
	mopts := []manifest.Option{manifest.WithCache(c)}
	if invalidator != nil {
		mopts = append(mopts, manifest.WithInvalidationPublisher(invalidator))
	}
	models := manifest.NewRegistry(mstore, mopts...)
	if cfg.Manifest.Path != "" {
		if err := loadManifests(models, cfg.Manifest.Path, log); err != nil {
			return err
		}
	}

	tracker := selection.NewLatencyTracker()
	policy := selection.NewPolicy(preg, tracker,
		selection.WithDefaultTimeout(cfg.Dispatch.DefaultTimeout))

	breakers := circuitbreaker.NewRegistry()
	bcfg := circuitbreaker.Config{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		FailureRate:         cfg.Breaker.FailureRate,
		WindowSize:          cfg.Breaker.WindowSize,
		OpenDuration:        cfg.Breaker.OpenDuration,
		HalfOpenProbes:      cfg.Breaker.HalfOpenProbes,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
	}

	var configs runner.ConfigSource
	if st != nil {
		configs = st
	}
	builder := runner.NewBuilder(configs, resolver, session.Config{
		MaxConcurrent:  cfg.Session.MaxConcurrent,
		AcquireTimeout: cfg.Session.AcquireTimeout,
		IdleTimeout:    cfg.Session.IdleTimeout,
		MaxAge:         cfg.Session.MaxAge,
		Reuse:          cfg.Session.Reuse,
		WarmCount:      cfg.Session.WarmCount,
	})
	pool := runner.NewPool(builder, runner.Options{
		Capacity:      cfg.Pool.MaxWarm,
		IdleTTL:       cfg.Pool.IdleTTL,
		SweepInterval: cfg.Pool.SweepEvery,
	})

	orch := orchestrator.New(pool, breakers, tracker,
		orchestrator.WithBreakerConfig(bcfg),
		orchestrator.WithAttemptTimeout(cfg.Dispatch.DefaultTimeout),
		orchestrator.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
	)

	guard := tenant.NewStaticGuard()
	guard.AllowUnknown = !cfg.Auth.Enabled
	if st != nil {
		recs, err := st.ListTenants(ctx)
		if err != nil {
			log.Warn("loading tenants failed, starting with an empty table", "error", err)
		}
		for _, r := range recs {
			guard.Upsert(r)
		}
	}

	sink, storeSink := buildAuditSink(cfg, st)

	k, err := kernel.New(cfg.Node.ID, models, policy, orch,
		kernel.WithGuard(guard),
		kernel.WithAuditSink(sink),
		kernel.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		kernel.WithObservers(observability.NewPhaseObserver()),
	)
	if err != nil {
		return err
	}
	if err := k.Start(ctx); err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}

	var rateBackend ratelimit.Backend
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Backend == "redis" && redisClient != nil {
			rateBackend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
		} else {
			rateBackend = ratelimit.NewLocalBackend()
		}
	}

	httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
		NodeID:       cfg.Node.ID,
		Kernel:       k,
		Models:       models,
		Providers:    preg,
		Policy:       policy,
		Orch:         orch,
		Breakers:     breakers,
		Pool:         pool,
		Guard:        guard,
		Store:        st,
		Cache:        c,
		Sink:         sink,
		AuthCfg:      &cfg.Auth,
		RateLimitCfg: &cfg.RateLimit,
		RateBackend:  rateBackend,
		BreakerCfg:   bcfg,
	})

	var health *grpchealth.Server
	if cfg.Daemon.GRPCAddr != "" {
		health = grpchealth.New(k, preg)
		if err := health.Start(cfg.Daemon.GRPCAddr); err != nil {
			return fmt.Errorf("start grpc health: %w", err)
		}
	}

	log.Info("helios daemon up",
		"node", cfg.Node.ID, "http", cfg.Daemon.HTTPAddr,
		"providers", len(cfg.Providers), "store", st != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Daemon.ShutdownTimeout)
	defer cancel()

	// Stop admitting, then drain in dependency order: HTTP first so no
	// new executions arrive, the kernel's inflight runs, then the pools
	// and providers under them, then the persistence tail.
	httpServer.Shutdown(shutdownCtx)
	if err := k.Drain(shutdownCtx); err != nil {
		log.Warn("drain incomplete, closing anyway", "error", err)
	}
	k.Shutdown()
	if health != nil {
		health.Stop()
	}
	orch.Close(shutdownCtx)
	pool.Close(shutdownCtx)
	for _, p := range preg.List() {
		if closer, ok := p.(io.Closer); ok {
			closer.Close()
		}
	}
	if storeSink != nil {
		storeSink.Shutdown(5 * time.Second)
	}
	if batcher != nil {
		batcher.Shutdown(5 * time.Second)
	}
	logging.Default().Close()
	if st != nil {
		st.Close()
	}
	if invalidator != nil {
		invalidator.Close()
	}
	c.Close()
	if redisClient != nil {
		redisClient.Close()
	}
	if cfg.Telemetry.Enabled {
		observability.Shutdown(shutdownCtx)
	}
	return nil
}

// buildResolver assembles the credential resolver. Encrypted $SECRET:
// references need both a master key and a store; without them the
// resolver still handles ${ENV} and file: forms.
func buildResolver(cfg *config.Config, st store.Store) (*secrets.Resolver, error) {
	var sstore *secrets.Store
	if st != nil && (cfg.Secrets.MasterKey != "" || cfg.Secrets.MasterKeyFile != "") {
		var cipher *secrets.Cipher
		var err error
		if cfg.Secrets.MasterKeyFile != "" {
			cipher, err = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
		} else {
			cipher, err = secrets.NewCipher(cfg.Secrets.MasterKey)
		}
		if err != nil {
			return nil, fmt.Errorf("secrets master key: %w", err)
		}
		sstore = secrets.NewStore(st, cipher)
	}
	return secrets.NewResolver(sstore), nil
}

// buildProvider constructs one provider instance from its config entry.
func buildProvider(ctx context.Context, spec config.ProviderSpec, resolver *secrets.Resolver) (provider.Provider, error) {
	switch spec.Kind {
	case "echo":
		return echo.New(spec.ID), nil
	case "openai-compat":
		return openaicompat.New(ctx, openaicompat.Config{
			ID:      spec.ID,
			BaseURL: spec.BaseURL,
			APIKey:  spec.APIKey,
			Model:   spec.Model,
			Timeout: spec.Timeout,
		}, resolver)
	case "anthropic":
		return anthropic.New(ctx, anthropic.Config{
			ID:        spec.ID,
			APIKey:    spec.APIKey,
			Model:     spec.Model,
			MaxTokens: spec.MaxTokens,
		}, resolver)
	case "bedrock":
		return bedrock.New(ctx, bedrock.Config{
			ID:              spec.ID,
			Region:          spec.Region,
			Model:           spec.Model,
			AccessKeyID:     spec.AccessKeyID,
			SecretAccessKey: spec.SecretAccessKey,
			MaxTokens:       spec.MaxTokens,
		}, resolver)
	case "ws-bridge":
		return wsbridge.New(ctx, wsbridge.Config{
			ID:          spec.ID,
			URL:         spec.URL,
			AuthToken:   spec.AuthToken,
			DialTimeout: spec.Timeout,
		}, resolver)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", spec.Kind)
	}
}

// buildAuditSink returns the assembled sink plus the store sink when
// one exists, so teardown can flush its batcher.
func buildAuditSink(cfg *config.Config, st store.Store) (audit.Sink, *audit.StoreSink) {
	if !cfg.Audit.Enabled {
		return audit.NopSink{}, nil
	}
	logSink := audit.NewLogSink()
	if st == nil {
		return logSink, nil
	}
	storeSink := audit.NewStoreSink(st)
	return audit.NewFanoutSink(logSink, storeSink), storeSink
}

// loadManifests loads a YAML file or every YAML file in a directory. A
// missing path is not fatal; models can still be registered through the
// controlplane or resolved from the store.
func loadManifests(models *manifest.Registry, path string, log *slog.Logger) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		log.Warn("manifest path does not exist, starting with an empty catalog", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat manifest path: %w", err)
	}
	var n int
	if info.IsDir() {
		n, err = models.LoadDir(path)
	} else {
		n, err = models.LoadFile(path)
	}
	if err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}
	log.Info("loaded model manifests", "count", n, "path", path)
	return nil
}
