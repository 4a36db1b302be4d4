package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the process configuration loaded from goldfinch.yaml plus
// GOLDFINCH_* environment overrides.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Streaming    StreamingConfig    `mapstructure:"streaming"`
	Search       SearchConfig       `mapstructure:"search"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Domains      DomainsConfig      `mapstructure:"domains"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type OrchestratorConfig struct {
	RouterTimeout   time.Duration `mapstructure:"router_timeout" validate:"gt=0"`
	SearchTimeout   time.Duration `mapstructure:"search_timeout" validate:"gt=0"`
	SummaryTimeout  time.Duration `mapstructure:"summary_timeout" validate:"gt=0"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
	MaxConcurrency  int           `mapstructure:"max_concurrency" validate:"min=1,max=64"`
	ReleaseGrace    time.Duration `mapstructure:"release_grace" validate:"gte=0"`
	RegistryShards  int           `mapstructure:"registry_shards" validate:"min=1"`
	HistoryLimit    int           `mapstructure:"history_limit" validate:"gte=0"`
	PlannerFallback bool          `mapstructure:"planner_fallback"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type StreamingConfig struct {
	Buffer         int           `mapstructure:"buffer" validate:"min=1"`
	Overflow       string        `mapstructure:"overflow" validate:"oneof=block drop"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gte=0"`
	RingCapacity   int           `mapstructure:"ring_capacity" validate:"min=1"`
	Retention      time.Duration `mapstructure:"retention" validate:"gte=0"`
	MirrorToRedis  bool          `mapstructure:"mirror_to_redis"`
	MirrorMaxLen   int64         `mapstructure:"mirror_max_len" validate:"gte=0"`
}

type SearchConfig struct {
	Endpoint          string        `mapstructure:"endpoint" validate:"required,url"`
	Model             string        `mapstructure:"model" validate:"required"`
	APIKeyEnv         string        `mapstructure:"api_key_env"`
	Temperature       float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
}

type LLMConfig struct {
	Endpoint       string        `mapstructure:"endpoint" validate:"required,url"`
	APIKeyEnv      string        `mapstructure:"api_key_env"`
	RouterModel    string        `mapstructure:"router_model" validate:"required"`
	PlannerModel   string        `mapstructure:"planner_model" validate:"required"`
	SummaryModel   string        `mapstructure:"summary_model" validate:"required"`
	MaxQueries     int           `mapstructure:"max_queries" validate:"min=1,max=20"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	SummaryTimeout time.Duration `mapstructure:"summary_http_timeout" validate:"gte=0"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite3"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	WriteWorkers    int           `mapstructure:"write_workers" validate:"gte=0"`
	WriteQueueSize  int           `mapstructure:"write_queue_size" validate:"gte=0"`
}

// DSN builds the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite3" {
		path := d.Path
		if path == "" {
			path = "goldfinch.db"
		}
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, sslMode)
}

type RedisConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db" validate:"gte=0"`
	CancelChannel   string        `mapstructure:"cancel_channel"`
	EventsPrefix    string        `mapstructure:"events_prefix"`
	EventsTTL       time.Duration `mapstructure:"events_ttl"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	SessionMaxItems int64         `mapstructure:"session_max_items" validate:"gte=0"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	AdminPort       int           `mapstructure:"admin_port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period" validate:"gt=0"`
}

type DomainsConfig struct {
	Dir  string `mapstructure:"dir"`
	File string `mapstructure:"file" validate:"required"`
	// PollInterval enables the polling fallback when > 0.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.router_timeout", 15*time.Second)
	v.SetDefault("orchestrator.search_timeout", 60*time.Second)
	v.SetDefault("orchestrator.summary_timeout", 3*time.Minute)
	v.SetDefault("orchestrator.store_timeout", 10*time.Second)
	v.SetDefault("orchestrator.max_concurrency", 4)
	v.SetDefault("orchestrator.release_grace", 5*time.Second)
	v.SetDefault("orchestrator.registry_shards", 32)
	v.SetDefault("orchestrator.history_limit", 20)
	v.SetDefault("orchestrator.planner_fallback", true)
	v.SetDefault("orchestrator.shutdown_timeout", 30*time.Second)

	v.SetDefault("streaming.buffer", 64)
	v.SetDefault("streaming.overflow", "block")
	v.SetDefault("streaming.publish_timeout", 2*time.Second)
	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.retention", 5*time.Minute)
	v.SetDefault("streaming.mirror_to_redis", false)
	v.SetDefault("streaming.mirror_max_len", 1000)

	v.SetDefault("search.endpoint", "https://api.perplexity.ai/chat/completions")
	v.SetDefault("search.model", "sonar-pro")
	v.SetDefault("search.api_key_env", "PERPLEXITY_API_KEY")
	v.SetDefault("search.temperature", 0.1)
	v.SetDefault("search.requests_per_second", 0)
	v.SetDefault("search.burst", 1)
	v.SetDefault("search.http_timeout", 90*time.Second)

	v.SetDefault("llm.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("llm.router_model", "gpt-4o-mini")
	v.SetDefault("llm.planner_model", "gpt-4o-mini")
	v.SetDefault("llm.summary_model", "gpt-4o")
	v.SetDefault("llm.max_queries", 5)
	v.SetDefault("llm.http_timeout", 60*time.Second)
	v.SetDefault("llm.summary_http_timeout", 0)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "goldfinch")
	v.SetDefault("database.name", "goldfinch")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.write_workers", 4)
	v.SetDefault("database.write_queue_size", 1000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.cancel_channel", "goldfinch:cancel")
	v.SetDefault("redis.events_prefix", "goldfinch:events:")
	v.SetDefault("redis.events_ttl", 24*time.Hour)
	v.SetDefault("redis.session_ttl", 7*24*time.Hour)
	v.SetDefault("redis.session_max_items", 50)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.admin_port", 8081)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 0)
	v.SetDefault("http.heartbeat_period", 15*time.Second)

	v.SetDefault("domains.dir", "config")
	v.SetDefault("domains.file", "domains.yaml")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "goldfinch-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads path (or GOLDFINCH_CONFIG, or config/goldfinch.yaml) and applies
// GOLDFINCH_* overrides such as GOLDFINCH_ORCHESTRATOR_ROUTER_TIMEOUT. A missing
// file is not an error; defaults and environment still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GOLDFINCH_CONFIG")
	}
	if path == "" {
		path = "config/goldfinch.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GOLDFINCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// APIKey resolves a key from the environment variable named by envName.
func APIKey(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
