// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the dispatcher process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/magnet-dispatcher/internal/api"
	"github.com/JakeFAU/magnet-dispatcher/internal/batcher"
	"github.com/JakeFAU/magnet-dispatcher/internal/cache"
	"github.com/JakeFAU/magnet-dispatcher/internal/classifier"
	"github.com/JakeFAU/magnet-dispatcher/internal/config"
	"github.com/JakeFAU/magnet-dispatcher/internal/dedup"
	"github.com/JakeFAU/magnet-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/magnet-dispatcher/internal/hash/sha256"
	"github.com/JakeFAU/magnet-dispatcher/internal/id/uuid"
	"github.com/JakeFAU/magnet-dispatcher/internal/metrics"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/breaker"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/ratelimit"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/retry"
	"github.com/JakeFAU/magnet-dispatcher/internal/pool"
	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/magnet-dispatcher/internal/publisher/memory"
	"github.com/JakeFAU/magnet-dispatcher/internal/publisher/pubsub"
	"github.com/JakeFAU/magnet-dispatcher/internal/qbittorrent"
	"github.com/JakeFAU/magnet-dispatcher/internal/queue/memory"
	"github.com/JakeFAU/magnet-dispatcher/internal/source"
	"github.com/JakeFAU/magnet-dispatcher/internal/storage"
	"github.com/JakeFAU/magnet-dispatcher/internal/telemetry"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
	"github.com/JakeFAU/magnet-dispatcher/internal/worker"
)

const downstreamEndpoint = "qbittorrent"

// Options wires an App. Only Store is required.
type Options struct {
	Store  *config.Store
	Logger *zap.Logger
	// Factory replaces the downstream connector, mainly for tests.
	Factory pool.Factory[torrent.Session]
	// Stdin feeds the line source when sources.stdin is enabled.
	Stdin io.Reader
	// Registerer receives the task event collectors. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// DisableServer skips the HTTP listener regardless of configuration.
	DisableServer bool
	// DisableSources skips every configured source.
	DisableSources bool
}

// App holds all the shared, long-lived services for the application.
type App struct {
	store  *config.Store
	logger *zap.Logger

	lock       *flock.Flock
	archive    storage.Archive
	hub        *progress.Hub
	pool       *pool.Pool[torrent.Session]
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	classCache *cache.Cache[string, torrent.Classification]
	dedup      torrent.DedupStore
	memDedup   *dedup.MemoryStore
	engine     *dispatcher.Engine
	batcher    *batcher.Batcher
	pump       *source.Pump
	sources    []source.Source
	scheduler  *cron.Cron
	handler    http.Handler
	server     *http.Server

	closers []func(context.Context) error
}

// Components is the resilience snapshot served at /v1/components.
type Components struct {
	ConfigGeneration uint64             `json:"config_generation"`
	Pool             []pool.Stats       `json:"pool"`
	Breaker          breaker.Snapshot   `json:"breaker"`
	Limiter          ratelimit.Snapshot `json:"rate_limiter"`
	ClassifierCache  cache.Stats        `json:"classifier_cache"`
	DedupCache       *cache.Stats       `json:"dedup_cache,omitempty"`
	Batcher          batcher.Stats      `json:"batcher"`
	Hub              progress.Stats     `json:"notifications"`
	Sources          source.PumpStats   `json:"sources"`
	Queue            int                `json:"queue_len"`
}

// New creates and initializes every service from the store's current
// configuration. It fails fast if any critical service cannot be built and
// releases whatever was already opened.
func New(ctx context.Context, opts Options) (a *App, err error) {
	if opts.Store == nil {
		return nil, errors.New("app: config store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Store.Config()
	a = &App{store: opts.Store, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = a.Close(closeCtx)
		}
	}()

	logger.Info("initializing application services")

	if cfg.LockFile != "" {
		a.lock = flock.New(cfg.LockFile)
		ok, lockErr := a.lock.TryLock()
		if lockErr != nil {
			return nil, fmt.Errorf("acquire lock: %w", lockErr)
		}
		if !ok {
			a.lock = nil
			return nil, fmt.Errorf("another instance holds %s", cfg.LockFile)
		}
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)
	metrics.Init()

	a.archive, err = storage.Open(ctx, storage.Options{
		Backend:    cfg.History.Backend,
		DSN:        cfg.History.DSN,
		SQLitePath: cfg.History.SQLitePath,
		MaxConns:   int32(cfg.History.MaxConns), //nolint:gosec // validated small value
		Capacity:   cfg.Dispatch.HistorySize,
	})
	if err != nil {
		return nil, fmt.Errorf("open history archive: %w", err)
	}
	logger.Info("history archive ready", zap.String("backend", cfg.History.Backend))

	hubSinks, err := a.buildSinks(ctx, cfg, opts.Registerer)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Notify.BufferSize,
		MaxBatchEvents: cfg.Notify.BatchSize,
		MaxBatchWait:   cfg.Notify.FlushInterval,
		Logger:         logger.Named("notify"),
	}, hubSinks...)

	factory := opts.Factory
	if factory == nil {
		factory = qbittorrent.NewConnector(qbittorrent.Config{
			BaseURL:   cfg.Downstream.BaseURL(),
			Username:  cfg.Downstream.Username,
			Password:  cfg.Downstream.Password,
			VerifySSL: cfg.Downstream.VerifySSL,
			Timeout:   cfg.Downstream.Timeout,
		}, logger.Named("qbittorrent")).Factory()
	}
	a.pool = pool.New(factory, pool.Config{
		Sizes: map[pool.Tier]int{
			pool.TierRead:  cfg.Pool.Read,
			pool.TierWrite: cfg.Pool.Write,
			pool.TierAPI:   cfg.Pool.API,
		},
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Pool.HealthCheckTimeout,
		Logger:              logger.Named("pool"),
	})
	a.limiter = ratelimit.New(ratelimit.Config{
		Endpoint:       downstreamEndpoint,
		Capacity:       cfg.RateLimit.Capacity,
		Window:         cfg.RateLimit.Window,
		AcquireTimeout: cfg.RateLimit.AcquireTimeout,
	})
	a.breaker = breaker.New(breaker.Config{
		Endpoint:         downstreamEndpoint,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		IsFailure:        torrent.IsDownstreamFailure,
		OnStateChange: func(endpoint string, from, to breaker.State) {
			metrics.ObserveBreakerTransition(endpoint, string(to))
			logger.Warn("circuit breaker transition",
				zap.String("endpoint", endpoint),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		},
		Logger: logger.Named("breaker"),
	})

	a.buildDedup(cfg)

	oracle, err := classifier.NewOracle(classifier.OracleConfig{
		Provider:          cfg.Classifier.Provider,
		APIKey:            cfg.Classifier.APIKey,
		BaseURL:           cfg.Classifier.BaseURL,
		Model:             cfg.Classifier.Model,
		Timeout:           cfg.Classifier.Timeout,
		MaxRetries:        cfg.Classifier.MaxRetries,
		RetryDelay:        cfg.Classifier.RetryDelay,
		RequestsPerSecond: cfg.Classifier.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("build oracle: %w", err)
	}
	a.classCache = cache.New[string, torrent.Classification](cache.Config{
		Capacity:   cfg.Classifier.CacheCapacity,
		DefaultTTL: cfg.Classifier.CacheTTL,
	})
	gateway := classifier.NewGateway(classifier.Options{
		Cache:    a.classCache,
		Oracle:   oracle,
		Hasher:   sha256.New(),
		Settings: a.classifierSettings,
		Logger:   logger.Named("classifier"),
	})

	a.engine, err = dispatcher.New(dispatcher.Config{
		Workers:          cfg.Dispatch.Workers,
		BatchConcurrency: cfg.Dispatch.BatchConcurrency,
		HistorySize:      cfg.Dispatch.HistorySize,
		ShutdownGrace:    cfg.Dispatch.ShutdownGrace,
	}, dispatcher.Deps{
		Worker: worker.Deps{
			Pool:    a.pool,
			Limiter: a.limiter,
			Breaker: a.breaker,
			Retry: retry.New(retry.Config{
				MaxRetries: cfg.Dispatch.MaxRetries,
				BaseDelay:  cfg.Dispatch.BaseDelay,
				MaxDelay:   cfg.Dispatch.MaxDelay,
				Jitter:     cfg.Dispatch.Jitter,
			}),
			Classifier: gateway,
			Dedup:      a.dedup,
			Settings:   a.workerSettings,
			Logger:     logger.Named("worker"),
		},
		Queue:   memory.NewQueue(cfg.Dispatch.QueueDepth),
		IDs:     uuid.New(),
		Emitter: a.hub,
		Logger:  logger.Named("dispatcher"),
	})
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	a.store.OnReload(func(gen *config.Generation) {
		a.engine.ResetDestinations()
		logger.Info("configuration generation applied", zap.Uint64("generation", gen.Seq))
	})

	a.batcher, err = batcher.New(batcher.Config{
		MinBatch:      cfg.Batcher.MinBatch,
		MaxBatch:      cfg.Batcher.MaxBatch,
		InitialBatch:  cfg.Batcher.InitialBatch,
		Timeout:       cfg.Batcher.Timeout,
		QueueCapacity: cfg.Batcher.QueueCapacity,
		HighWatermark: cfg.Batcher.HighWatermark,
		LowWatermark:  cfg.Batcher.LowWatermark,
		Logger:        logger.Named("batcher"),
	}, batcher.BySource(func(ctx context.Context, src string, idents []torrent.Identifier) error {
		_, err := a.engine.SubmitDiscovered(ctx, idents, src)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("build batcher: %w", err)
	}

	a.pump, err = source.NewPump(a.batcher, cfg.Sources.SuppressTTL, logger.Named("sources"))
	if err != nil {
		return nil, fmt.Errorf("build source pump: %w", err)
	}
	if !opts.DisableSources {
		if err := a.buildSources(cfg, opts.Stdin); err != nil {
			return nil, err
		}
	}

	if err := a.buildScheduler(cfg); err != nil {
		return nil, err
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.handler = api.NewServer(api.Options{
		Engine:         a.engine,
		Archive:        a.archive,
		Components:     func() any { return a.Components() },
		Ready:          a.Ready,
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBatch:       cfg.Batcher.QueueCapacity,
		Logger:         logger.Named("api"),
	}).Handler()
	if cfg.Server.Enabled && !opts.DisableServer {
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           a.handler,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
	}

	logger.Info("application services initialized",
		zap.Int("sources", len(a.sources)),
		zap.Bool("http", a.server != nil))
	return a, nil
}

func (a *App) buildSinks(ctx context.Context, cfg config.Config, reg prometheus.Registerer) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	out := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		promSink,
		sinks.NewHistorySink(a.archive, a.logger.Named("archive")),
	}
	if cfg.Notify.WebhookURL != "" {
		out = append(out, sinks.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout))
	}

	var pub torrent.Publisher
	switch cfg.Notify.Publisher {
	case "memory":
		pub = pubmemory.New(1000)
	case "pubsub":
		ps, err := pubsub.Dial(ctx, cfg.Notify.ProjectID, cfg.Notify.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return ps.Close() })
		pub = ps
		a.logger.Info("publishing task events to Pub/Sub", zap.String("topic", cfg.Notify.Topic))
	}
	if pub != nil {
		out = append(out, sinks.NewPublishSink(pub, cfg.Notify.Topic))
	}
	return out, nil
}

func (a *App) buildDedup(cfg config.Config) {
	switch cfg.Dedup.Backend {
	case "redis":
		client := dedup.NewRedisClient(cfg.Dedup.RedisAddr, cfg.Dedup.Password, cfg.Dedup.RedisDB)
		store := dedup.NewRedisStore(client, cfg.Dedup.KeyPrefix, cfg.Dedup.TTL)
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.dedup = store
		a.logger.Info("using redis known-hash set", zap.String("addr", cfg.Dedup.RedisAddr))
	default:
		a.memDedup = dedup.NewMemoryStore(cfg.Dedup.Capacity, cfg.Dedup.TTL, nil)
		a.dedup = a.memDedup
	}
}

func (a *App) buildSources(cfg config.Config, stdin io.Reader) error {
	sc := cfg.Sources
	if sc.Stdin && stdin != nil {
		a.sources = append(a.sources, source.NewLineSource("stdin", stdin, nil))
	}
	for _, path := range sc.Files {
		a.sources = append(a.sources, source.NewFileSource(path, sc.PollInterval, nil, a.logger.Named("file")))
	}
	if len(sc.Crawl.URLs) > 0 {
		a.sources = append(a.sources, source.NewCrawlSource(source.CrawlConfig{
			URLs:          sc.Crawl.URLs,
			Interval:      sc.Crawl.Interval,
			UserAgent:     sc.Crawl.UserAgent,
			MaxDepth:      sc.Crawl.MaxDepth,
			RespectRobots: sc.Crawl.RespectRobots,
		}, nil, a.logger.Named("crawl")))
	}
	if len(sc.Kafka.Brokers) > 0 {
		ks, err := source.NewKafkaSource(source.KafkaConfig{
			Brokers: sc.Kafka.Brokers,
			Topic:   sc.Kafka.Topic,
			GroupID: sc.Kafka.GroupID,
		}, nil, a.logger.Named("kafka"))
		if err != nil {
			return fmt.Errorf("kafka source: %w", err)
		}
		a.sources = append(a.sources, ks)
	}
	return nil
}

func (a *App) buildScheduler(cfg config.Config) error {
	a.scheduler = cron.New()
	if spec := cfg.Schedule.ReseedKnownHashes; spec != "" {
		if _, err := a.scheduler.AddFunc(spec, a.reseed); err != nil {
			return fmt.Errorf("schedule reseed %q: %w", spec, err)
		}
	}
	if spec := cfg.Schedule.StatusLog; spec != "" {
		if _, err := a.scheduler.AddFunc(spec, a.logStatus); err != nil {
			return fmt.Errorf("schedule status log %q: %w", spec, err)
		}
	}
	return nil
}

func (a *App) reseed() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := a.engine.SeedKnownHashes(ctx)
	if err != nil {
		a.logger.Warn("known-hash seeding failed", zap.Error(err))
		return
	}
	a.logger.Info("known hashes seeded", zap.Int("count", n))
}

func (a *App) logStatus() {
	report := a.engine.Status()
	fields := []zap.Field{zap.Int("tracked", report.Tracked), zap.Int("queue_len", report.QueueLen)}
	for _, state := range torrent.States {
		if n := report.Counts[state]; n > 0 {
			fields = append(fields, zap.Int(string(state), n))
		}
	}
	a.logger.Info("dispatch status", fields...)
}

func (a *App) classifierSettings() classifier.Settings {
	cfg := a.store.Config()
	examples := make([]classifier.Example, 0, len(cfg.Classifier.FewShotExamples))
	for _, ex := range cfg.Classifier.FewShotExamples {
		examples = append(examples, classifier.Example{Name: ex.Name, Category: ex.Category})
	}
	return classifier.Settings{
		DefaultCategory: cfg.DefaultCategory,
		MinRuleScore:    cfg.Classifier.MinRuleScore,
		PromptTemplate:  cfg.Classifier.PromptTemplate,
		Examples:        examples,
		CacheTTL:        cfg.Classifier.CacheTTL,
		OracleTimeout:   cfg.Classifier.Timeout,
	}
}

func (a *App) workerSettings() worker.Settings {
	cfg := a.store.Config()
	rules := make([]worker.PathRule, 0, len(cfg.Downstream.PathMapping))
	for _, r := range cfg.Downstream.PathMapping {
		rules = append(rules, worker.PathRule{
			Category:     r.Category,
			SourcePrefix: r.SourcePrefix,
			TargetPrefix: r.TargetPrefix,
		})
	}
	return worker.Settings{
		Categories:      cfg.CategoryList(),
		DefaultCategory: cfg.DefaultCategory,
		Paths: worker.PathMapper{
			Rules:  rules,
			Global: cfg.PathMapping,
			Direct: cfg.Downstream.UseNASPathsDirectly,
		},
		AddPaused: cfg.Downstream.AddPaused,
	}
}

// Engine exposes the dispatch engine.
func (a *App) Engine() *dispatcher.Engine {
	return a.engine
}

// Batcher exposes the intake batcher.
func (a *App) Batcher() *batcher.Batcher {
	return a.batcher
}

// Handler returns the HTTP API handler whether or not the listener runs.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Components snapshots the resilience components.
func (a *App) Components() Components {
	c := Components{
		ConfigGeneration: a.store.Current().Seq,
		Pool:             a.pool.Stats(),
		Breaker:          a.breaker.Snapshot(),
		Limiter:          a.limiter.Snapshot(),
		ClassifierCache:  a.classCache.Stats(),
		Batcher:          a.batcher.Stats(),
		Hub:              a.hub.Stats(),
		Sources:          a.pump.Stats(),
		Queue:            a.engine.Status().QueueLen,
	}
	if a.memDedup != nil {
		stats := a.memDedup.Stats()
		c.DedupCache = &stats
	}
	return c
}

// Ready pings the downstream through an api-tier handle, so readiness checks
// never queue behind dispatch traffic on the read and write tiers.
func (a *App) Ready(ctx context.Context) error {
	if a.breaker.State() == breaker.StateOpen {
		return fmt.Errorf("downstream: %w", torrent.ErrCircuitOpen)
	}
	lease, err := a.pool.Acquire(ctx, pool.TierAPI)
	if err != nil {
		return fmt.Errorf("downstream: %w", err)
	}
	defer lease.Release()
	if err := lease.Handle().Ping(ctx); err != nil {
		lease.MarkUnhealthy()
		return fmt.Errorf("downstream: %w", err)
	}
	return nil
}

// Run starts the engine, intake, scheduler, config watcher, and HTTP server,
// and blocks until ctx ends or a component fails. Intake is flushed into the
// engine before the engine shuts down.
func (a *App) Run(ctx context.Context) error {
	cfg := a.store.Config()
	if n, err := a.engine.SeedKnownHashes(ctx); err != nil {
		a.logger.Warn("initial known-hash seeding failed", zap.Error(err))
	} else {
		a.logger.Info("known hashes seeded", zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()

	g.Go(func() error {
		if err := a.engine.Run(engineCtx); err != nil {
			return fmt.Errorf("dispatch engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.batcher.Close(closeCtx); err != nil {
			a.logger.Warn("batcher did not drain", zap.Error(err))
		}
		stopEngine()
		return nil
	})
	g.Go(func() error {
		a.scheduler.Start()
		<-gctx.Done()
		<-a.scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		a.classCache.RunJanitor(gctx, cfg.Cache.SweepInterval)
		return nil
	})
	if a.memDedup != nil {
		g.Go(func() error {
			a.memDedup.RunJanitor(gctx, cfg.Cache.SweepInterval)
			return nil
		})
	}
	g.Go(func() error {
		if err := a.store.Watch(gctx, 0); err != nil {
			a.logger.Warn("config watcher stopped", zap.Error(err))
		}
		return nil
	})
	if len(a.sources) > 0 {
		g.Go(func() error {
			return a.pump.Run(gctx, a.sources...)
		})
	}
	if a.server != nil {
		g.Go(func() error {
			a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http server shutdown", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("application stopped")
	return err
}

// Close releases every service in reverse dependency order. Safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.batcher != nil {
		if err := a.batcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("batcher: %w", err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notification hub: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool: %w", err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history archive: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			a.logger.Warn("failed to release instance lock", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}
