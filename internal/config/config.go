// Package config loads and validates dispatcher configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// EnvPrefix namespaces environment overrides, e.g. MAGNETD_DOWNSTREAM_HOST.
const EnvPrefix = "MAGNETD"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server          ServerConfig              `mapstructure:"server"`
	Auth            AuthConfig                `mapstructure:"auth"`
	Logging         LoggingConfig             `mapstructure:"logging"`
	Downstream      DownstreamConfig          `mapstructure:"downstream"`
	PathMapping     map[string]string         `mapstructure:"path_mapping"`
	Categories      map[string]CategoryConfig `mapstructure:"categories"`
	DefaultCategory string                    `mapstructure:"default_category"`
	Classifier      ClassifierConfig          `mapstructure:"classifier"`
	Dispatch        DispatchConfig            `mapstructure:"dispatch"`
	RateLimit       RateLimitConfig           `mapstructure:"rate_limit"`
	Breaker         BreakerConfig             `mapstructure:"breaker"`
	Pool            PoolConfig                `mapstructure:"pool"`
	Cache           CacheConfig               `mapstructure:"cache"`
	Dedup           DedupConfig               `mapstructure:"dedup"`
	Batcher         BatcherConfig             `mapstructure:"batcher"`
	History         HistoryConfig             `mapstructure:"history"`
	Notify          NotifyConfig              `mapstructure:"notify"`
	Sources         SourcesConfig             `mapstructure:"sources"`
	Schedule        ScheduleConfig            `mapstructure:"schedule"`
	Telemetry       TelemetryConfig           `mapstructure:"telemetry"`
	LockFile        string                    `mapstructure:"lock_file"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DownstreamConfig points at the torrent client's Web API.
type DownstreamConfig struct {
	Host                string            `mapstructure:"host"`
	Port                int               `mapstructure:"port"`
	Username            string            `mapstructure:"username"`
	Password            string            `mapstructure:"password"`
	UseHTTPS            bool              `mapstructure:"use_https"`
	VerifySSL           bool              `mapstructure:"verify_ssl"`
	Timeout             time.Duration     `mapstructure:"timeout"`
	AddPaused           bool              `mapstructure:"add_paused"`
	UseNASPathsDirectly bool              `mapstructure:"use_nas_paths_directly"`
	PathMapping         []PathMappingRule `mapstructure:"path_mapping"`
}

// BaseURL renders scheme://host:port.
func (d DownstreamConfig) BaseURL() string {
	scheme := "http"
	if d.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.Host, d.Port)
}

// PathMappingRule rewrites a save path prefix. An empty Category applies to all.
type PathMappingRule struct {
	Category     string `mapstructure:"category"`
	SourcePrefix string `mapstructure:"source_prefix"`
	TargetPrefix string `mapstructure:"target_prefix"`
	Description  string `mapstructure:"description"`
}

// CategoryConfig is one configured classification label.
type CategoryConfig struct {
	SavePath        string         `mapstructure:"save_path"`
	Description     string         `mapstructure:"description"`
	Keywords        []string       `mapstructure:"keywords"`
	ForeignKeywords []string       `mapstructure:"foreign_keywords"`
	Rules           []torrent.Rule `mapstructure:"rules"`
	Priority        int            `mapstructure:"priority"`
}

// FewShotExample seeds the oracle prompt.
type FewShotExample struct {
	Name     string `mapstructure:"name"`
	Category string `mapstructure:"category"`
}

// ClassifierConfig configures the rule engine and the remote oracle.
type ClassifierConfig struct {
	Provider          string           `mapstructure:"provider"`
	APIKey            string           `mapstructure:"api_key"`
	Model             string           `mapstructure:"model"`
	BaseURL           string           `mapstructure:"base_url"`
	Timeout           time.Duration    `mapstructure:"timeout"`
	MaxRetries        int              `mapstructure:"max_retries"`
	RetryDelay        time.Duration    `mapstructure:"retry_delay"`
	RequestsPerSecond float64          `mapstructure:"requests_per_second"`
	MinRuleScore      float64          `mapstructure:"min_rule_score"`
	CacheTTL          time.Duration    `mapstructure:"cache_ttl"`
	CacheCapacity     int              `mapstructure:"cache_capacity"`
	FewShotExamples   []FewShotExample `mapstructure:"few_shot_examples"`
	PromptTemplate    string           `mapstructure:"prompt_template"`
}

// DispatchConfig governs the engine, workers, and the submit retry loop.
type DispatchConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Jitter           bool          `mapstructure:"jitter"`
	HistorySize      int           `mapstructure:"history_size"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// RateLimitConfig sizes the fixed-window limiter for the downstream endpoint.
type RateLimitConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	Window         time.Duration `mapstructure:"window"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// BreakerConfig sets circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// PoolConfig sizes each handle tier.
type PoolConfig struct {
	Read                int           `mapstructure:"read"`
	Write               int           `mapstructure:"write"`
	API                 int           `mapstructure:"api"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
}

// CacheConfig controls background sweeping shared by every cache instance.
type CacheConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DedupConfig selects the known-set backend.
type DedupConfig struct {
	Backend   string        `mapstructure:"backend"`
	Capacity  int           `mapstructure:"capacity"`
	TTL       time.Duration `mapstructure:"ttl"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	Password  string        `mapstructure:"redis_password"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// BatcherConfig bounds adaptive batch sizing.
type BatcherConfig struct {
	MinBatch      int           `mapstructure:"min_batch"`
	MaxBatch      int           `mapstructure:"max_batch"`
	InitialBatch  int           `mapstructure:"initial_batch"`
	Timeout       time.Duration `mapstructure:"timeout"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	HighWatermark float64       `mapstructure:"high_watermark"`
	LowWatermark  float64       `mapstructure:"low_watermark"`
}

// HistoryConfig selects the persistent task archive.
type HistoryConfig struct {
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int    `mapstructure:"max_conns"`
}

// NotifyConfig configures the notification hub and its sinks.
type NotifyConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	Publisher      string        `mapstructure:"publisher"`
	ProjectID      string        `mapstructure:"project_id"`
	Topic          string        `mapstructure:"topic"`
}

// SourcesConfig enables raw-text producers.
type SourcesConfig struct {
	Stdin        bool          `mapstructure:"stdin"`
	Files        []string      `mapstructure:"files"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SuppressTTL  time.Duration `mapstructure:"suppress_ttl"`
	Crawl        CrawlConfig   `mapstructure:"crawl"`
	Kafka        KafkaConfig   `mapstructure:"kafka"`
}

// CrawlConfig configures the web page source.
type CrawlConfig struct {
	URLs      []string      `mapstructure:"urls"`
	Interval  time.Duration `mapstructure:"interval"`
	UserAgent string        `mapstructure:"user_agent"`
	MaxDepth  int           `mapstructure:"max_depth"`
	// RespectRobots honours robots.txt on every crawled host.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// KafkaConfig configures the streaming source.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// ScheduleConfig holds cron specs for periodic jobs. Empty disables a job.
type ScheduleConfig struct {
	ReseedKnownHashes string `mapstructure:"reseed_known_hashes"`
	StatusLog         string `mapstructure:"status_log"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the configuration produced by Load with no file and no environment.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("downstream.host", "localhost")
	v.SetDefault("downstream.port", 8080)
	v.SetDefault("downstream.username", "admin")
	v.SetDefault("downstream.password", "")
	v.SetDefault("downstream.use_https", false)
	v.SetDefault("downstream.verify_ssl", true)
	v.SetDefault("downstream.timeout", 30*time.Second)
	v.SetDefault("downstream.add_paused", false)
	v.SetDefault("downstream.use_nas_paths_directly", false)
	v.SetDefault("default_category", "other")

	v.SetDefault("classifier.provider", "none")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.model", "deepseek-chat")
	v.SetDefault("classifier.base_url", "https://api.deepseek.com")
	v.SetDefault("classifier.timeout", 30*time.Second)
	v.SetDefault("classifier.max_retries", 3)
	v.SetDefault("classifier.retry_delay", time.Second)
	v.SetDefault("classifier.requests_per_second", 2.0)
	v.SetDefault("classifier.min_rule_score", 4.0)
	v.SetDefault("classifier.cache_ttl", 24*time.Hour)
	v.SetDefault("classifier.cache_capacity", 1000)
	v.SetDefault("classifier.prompt_template", DefaultPromptTemplate)

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_depth", 256)
	v.SetDefault("dispatch.batch_concurrency", 4)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.base_delay", 500*time.Millisecond)
	v.SetDefault("dispatch.max_delay", 30*time.Second)
	v.SetDefault("dispatch.jitter", false)
	v.SetDefault("dispatch.history_size", 1000)
	v.SetDefault("dispatch.shutdown_grace", 10*time.Second)

	v.SetDefault("rate_limit.capacity", 10)
	v.SetDefault("rate_limit.window", time.Second)
	v.SetDefault("rate_limit.acquire_timeout", 10*time.Second)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("pool.read", 2)
	v.SetDefault("pool.write", 4)
	v.SetDefault("pool.api", 2)
	v.SetDefault("pool.acquire_timeout", 5*time.Second)
	v.SetDefault("pool.health_check_interval", time.Minute)
	v.SetDefault("pool.health_check_timeout", 5*time.Second)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.capacity", 100000)
	v.SetDefault("dedup.ttl", 30*24*time.Hour)
	v.SetDefault("dedup.redis_addr", "localhost:6379")
	v.SetDefault("dedup.redis_db", 0)
	v.SetDefault("dedup.redis_password", "")
	v.SetDefault("dedup.key_prefix", "magnetd:known:")

	v.SetDefault("batcher.min_batch", 1)
	v.SetDefault("batcher.max_batch", 64)
	v.SetDefault("batcher.initial_batch", 8)
	v.SetDefault("batcher.timeout", 2*time.Second)
	v.SetDefault("batcher.queue_capacity", 1024)
	v.SetDefault("batcher.high_watermark", 0.75)
	v.SetDefault("batcher.low_watermark", 0.25)

	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.sqlite_path", "magnetd.db")
	v.SetDefault("history.max_conns", 4)

	v.SetDefault("notify.buffer_size", 1024)
	v.SetDefault("notify.batch_size", 32)
	v.SetDefault("notify.flush_interval", 500*time.Millisecond)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_timeout", 5*time.Second)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.publisher", "none")
	v.SetDefault("notify.topic", "magnetd-tasks")

	v.SetDefault("sources.stdin", false)
	v.SetDefault("sources.poll_interval", 2*time.Second)
	v.SetDefault("sources.suppress_ttl", 10*time.Minute)
	v.SetDefault("sources.crawl.interval", 15*time.Minute)
	v.SetDefault("sources.crawl.user_agent", "magnetd/0.1")
	v.SetDefault("sources.crawl.max_depth", 1)
	v.SetDefault("sources.crawl.respect_robots", true)
	v.SetDefault("sources.kafka.group_id", "magnetd")

	v.SetDefault("schedule.reseed_known_hashes", "@every 30m")
	v.SetDefault("schedule.status_log", "@every 5m")
	v.SetDefault("telemetry.service_name", "magnetd")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("lock_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(!c.Server.Enabled || c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Downstream.Host != "", "downstream.host must be set")
	check(c.Downstream.Port > 0 && c.Downstream.Port < 65536, "downstream.port must be in 1..65535")
	check(c.Downstream.Timeout > 0, "downstream.timeout must be > 0")
	check(len(c.Categories) > 0, "at least one category must be configured")
	_, ok := c.Categories[c.DefaultCategory]
	check(ok, "default_category %q is not a configured category", c.DefaultCategory)
	for name, cat := range c.Categories {
		for i, rule := range cat.Rules {
			switch rule.Type {
			case torrent.RuleRegex:
				check(rule.Pattern != "", "categories.%s.rules[%d]: regex rule needs a pattern", name, i)
			case torrent.RuleKeyword, torrent.RuleExclude:
				check(len(rule.Keywords) > 0, "categories.%s.rules[%d]: %s rule needs keywords", name, i, rule.Type)
			default:
				errs = append(errs, fmt.Errorf("categories.%s.rules[%d]: unknown rule type %q", name, i, rule.Type))
			}
		}
	}
	for i, rule := range c.Downstream.PathMapping {
		check(rule.SourcePrefix != "", "downstream.path_mapping[%d].source_prefix must be set", i)
	}

	switch c.Classifier.Provider {
	case "none", "":
	case "deepseek", "openai":
		check(c.Classifier.APIKey != "", "classifier.api_key must be set for provider %q", c.Classifier.Provider)
	default:
		errs = append(errs, fmt.Errorf("classifier.provider %q is not supported", c.Classifier.Provider))
	}
	check(c.Classifier.Timeout > 0, "classifier.timeout must be > 0")
	check(c.Classifier.MaxRetries >= 0, "classifier.max_retries must be >= 0")

	check(c.Dispatch.Workers > 0, "dispatch.workers must be > 0")
	check(c.Dispatch.QueueDepth > 0, "dispatch.queue_depth must be > 0")
	check(c.Dispatch.BatchConcurrency > 0, "dispatch.batch_concurrency must be > 0")
	check(c.Dispatch.MaxRetries >= 0, "dispatch.max_retries must be >= 0")
	check(c.Dispatch.BaseDelay > 0, "dispatch.base_delay must be > 0")
	check(c.Dispatch.MaxDelay >= c.Dispatch.BaseDelay, "dispatch.max_delay must be >= base_delay")
	check(c.Dispatch.HistorySize > 0, "dispatch.history_size must be > 0")

	check(c.RateLimit.Capacity > 0, "rate_limit.capacity must be > 0")
	check(c.RateLimit.Window > 0, "rate_limit.window must be > 0")
	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be > 0")
	check(c.Breaker.OpenTimeout > 0, "breaker.open_timeout must be > 0")
	check(c.Pool.Read > 0 && c.Pool.Write > 0 && c.Pool.API > 0, "pool sizes must be > 0 for every tier")

	switch c.Dedup.Backend {
	case "memory":
		check(c.Dedup.Capacity > 0, "dedup.capacity must be > 0")
	case "redis":
		check(c.Dedup.RedisAddr != "", "dedup.redis_addr must be set for the redis backend")
	default:
		errs = append(errs, fmt.Errorf("dedup.backend %q is not supported", c.Dedup.Backend))
	}

	b := c.Batcher
	check(b.MinBatch > 0 && b.MinBatch <= b.MaxBatch, "batcher.min_batch must be in 1..max_batch")
	check(b.InitialBatch >= b.MinBatch && b.InitialBatch <= b.MaxBatch, "batcher.initial_batch must be within [min_batch, max_batch]")
	check(b.Timeout > 0, "batcher.timeout must be > 0")
	check(b.QueueCapacity >= b.MaxBatch, "batcher.queue_capacity must be >= max_batch")
	check(b.LowWatermark >= 0 && b.LowWatermark < b.HighWatermark && b.HighWatermark <= 1,
		"batcher watermarks must satisfy 0 <= low < high <= 1")

	switch c.History.Backend {
	case "memory":
	case "postgres":
		check(c.History.DSN != "", "history.dsn must be set for the postgres backend")
	case "sqlite":
		check(c.History.SQLitePath != "", "history.sqlite_path must be set for the sqlite backend")
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not supported", c.History.Backend))
	}

	switch c.Notify.Publisher {
	case "none", "memory":
	case "pubsub":
		check(c.Notify.ProjectID != "" && c.Notify.Topic != "", "notify.project_id and notify.topic must be set for pubsub")
	default:
		errs = append(errs, fmt.Errorf("notify.publisher %q is not supported", c.Notify.Publisher))
	}
	check(len(c.Sources.Kafka.Brokers) == 0 || c.Sources.Kafka.Topic != "", "sources.kafka.topic must be set when brokers are configured")

	return errors.Join(errs...)
}

// CategoryList returns configured categories sorted by name.
func (c Config) CategoryList() []torrent.Category {
	out := make([]torrent.Category, 0, len(c.Categories))
	for name, cat := range c.Categories {
		out = append(out, torrent.Category{
			Name:            name,
			SavePath:        cat.SavePath,
			Description:     cat.Description,
			Keywords:        cat.Keywords,
			ForeignKeywords: cat.ForeignKeywords,
			Rules:           cat.Rules,
			Priority:        cat.Priority,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultCategories mirrors the stock category table.
func DefaultCategories() map[string]CategoryConfig {
	return map[string]CategoryConfig{
		"tv": {
			SavePath:    "/downloads/tv/",
			Description: "TV series, episodes, and seasons",
			Keywords:    []string{"S01", "S02", "Series", "Episode"},
			Priority:    10,
			Rules: []torrent.Rule{
				{Type: torrent.RuleRegex, Pattern: `S\d+E\d+`, Score: 5},
				{Type: torrent.RuleKeyword, Keywords: []string{"Season", "Episode"}, Score: 3},
			},
		},
		"movies": {
			SavePath:    "/downloads/movies/",
			Description: "Feature films",
			Keywords:    []string{"Movie", "1080p", "4K", "BluRay", "Remux", "WEB-DL"},
			Priority:    8,
			Rules: []torrent.Rule{
				{Type: torrent.RuleRegex, Pattern: `\.(19|20)\d{2}\.`, Score: 4},
				{Type: torrent.RuleKeyword, Keywords: []string{"1080p", "4K", "BluRay"}, Score: 3},
			},
		},
		"adult": {
			SavePath:        "/downloads/adult/",
			Description:     "Adult content",
			Keywords:        []string{"18+", "xxx", "Porn", "JAV"},
			ForeignKeywords: []string{"Brazzers", "Naughty America", "Reality Kings"},
			Priority:        15,
		},
		"anime": {
			SavePath:    "/downloads/anime/",
			Description: "Japanese animation",
			Keywords:    []string{"Anime", "Fansub"},
			Priority:    12,
		},
		"music": {
			SavePath:    "/downloads/music/",
			Description: "Albums and singles",
			Keywords:    []string{"Music", "Album", "FLAC", "MP3"},
			Priority:    6,
		},
		"games": {
			SavePath:    "/downloads/games/",
			Description: "Video games",
			Keywords:    []string{"Game", "ISO", "PS5", "Switch"},
			Priority:    7,
		},
		"software": {
			SavePath:    "/downloads/software/",
			Description: "Applications and software",
			Keywords:    []string{"Software", "App", "Keygen"},
			Priority:    5,
		},
		"other": {
			SavePath:    "/downloads/other/",
			Description: "Anything else",
			Priority:    1,
		},
	}
}

// DefaultPromptTemplate is sent to the oracle when none is configured.
const DefaultPromptTemplate = `You are a torrent classification assistant. Assign the torrent below to the single most fitting category.

Torrent name: {torrent_name}

Categories:
{category_descriptions}

Keyword hints:
{category_keywords}

{few_shot_examples}

Guidelines:
1. TV releases usually carry season/episode markers such as S01E01, "Season", or "Episode".
2. Movies usually carry a release year, a resolution (1080p, 4K), or source tags like BluRay and WEB-DL.
3. Anime releases often carry fansub group tags in square brackets.
4. When nothing fits, answer "other".

Answer with the category name only.`
