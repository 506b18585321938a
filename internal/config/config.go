package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the incident pipeline.
type Config struct {
	Cluster    ClusterConfig    `yaml:"cluster"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Transport  TransportConfig  `yaml:"transport"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Notify     NotifyConfig     `yaml:"notify"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ClusterConfig controls how the watcher reaches the Kubernetes API.
type ClusterConfig struct {
	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster.
	Kubeconfig string `yaml:"kubeconfig"`
	Name       string `yaml:"name"`
	Namespace  string `yaml:"namespace"`
}

// WatcherConfig controls failure filtering and the watch/reconnect loop.
type WatcherConfig struct {
	FailureReasons []string      `yaml:"failureReasons"`
	WorkerCount    int           `yaml:"workerCount"`
	PublishRetries int           `yaml:"publishRetries"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffCap     time.Duration `yaml:"backoffCap"`
	ResyncInterval time.Duration `yaml:"resyncInterval"`
}

// DedupConfig controls the suppression window. Shared moves the suppression
// set into Redis so replicas of the watcher agree on first occurrence.
type DedupConfig struct {
	Window time.Duration `yaml:"window"`
	Shared bool          `yaml:"shared"`
}

// TransportConfig selects the candidate transport between watcher and processor.
type TransportConfig struct {
	// Mode is "inline" (in-process channel) or "redis" (Redis Streams).
	Mode       string      `yaml:"mode"`
	BufferSize int         `yaml:"bufferSize"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis Streams transport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	MaxLen   int64  `yaml:"maxLen"`
}

// ClassifierConfig configures the external reasoning service.
type ClassifierConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"apiKey"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
	RulesPath string        `yaml:"rulesPath"`
}

// NotifyConfig groups the notification channels and their retry policy.
type NotifyConfig struct {
	Slack       SlackConfig     `yaml:"slack"`
	PagerDuty   PagerDutyConfig `yaml:"pagerduty"`
	Retries     int             `yaml:"retries"`
	BackoffBase time.Duration   `yaml:"backoffBase"`
}

// SlackConfig configures the chat webhook channel.
type SlackConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PagerDutyConfig configures the paging channel (Events API v2).
type PagerDutyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	RoutingKey string        `yaml:"routingKey"`
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PipelineConfig controls the classify/dispatch processor.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	GraceTimeout time.Duration `yaml:"graceTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus/health HTTP listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// DefaultFailureReasons is the failure-state allow-list applied when the
// config does not override it.
var DefaultFailureReasons = []string{
	"Failed",
	"CrashLoopBackOff",
	"Error",
	"ImagePullBackOff",
	"OOMKilled",
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make the pipeline unable to
// start. Channel and classifier misconfiguration degrades at runtime instead;
// only missing cluster access is fatal.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "", "inline", "redis":
	default:
		return fmt.Errorf("transport mode %q not recognized (want inline or redis)", c.Transport.Mode)
	}
	if c.Transport.Mode == "redis" && c.Transport.Redis.Addr == "" {
		return fmt.Errorf("transport mode redis requires transport.redis.addr")
	}
	if c.Dedup.Window < 0 {
		return fmt.Errorf("dedup window must not be negative")
	}
	if c.Dedup.Shared && c.Transport.Redis.Addr == "" {
		return fmt.Errorf("shared dedup requires transport.redis.addr")
	}
	if len(c.Watcher.FailureReasons) == 0 {
		return fmt.Errorf("watcher failure-reason allow-list must not be empty")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Cluster: ClusterConfig{Name: "unknown"},
		Watcher: WatcherConfig{
			FailureReasons: append([]string(nil), DefaultFailureReasons...),
			WorkerCount:    6,
			PublishRetries: 3,
			BackoffBase:    time.Second,
			BackoffCap:     30 * time.Second,
			ResyncInterval: 60 * time.Second,
		},
		Dedup: DedupConfig{Window: 300 * time.Second},
		Transport: TransportConfig{
			Mode:       "inline",
			BufferSize: 256,
			Redis: RedisConfig{
				Stream:   "sentinel:candidates",
				Group:    "incident-sentinel",
				Consumer: "worker-1",
				MaxLen:   10000,
			},
		},
		Classifier: ClassifierConfig{
			Endpoint:  "https://api.anthropic.com/v1/messages",
			Model:     "claude-3-5-sonnet-20241022",
			MaxTokens: 2000,
			Timeout:   10 * time.Second,
			RulesPath: "configs/remediation.yaml",
		},
		Notify: NotifyConfig{
			Slack:       SlackConfig{Timeout: 5 * time.Second},
			PagerDuty:   PagerDutyConfig{Endpoint: "https://events.pagerduty.com/v2/enqueue", Timeout: 5 * time.Second},
			Retries:     3,
			BackoffBase: 500 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			GraceTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Metrics: MetricsConfig{Address: ":2112"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_KUBECONFIG"); v != "" {
		cfg.Cluster.Kubeconfig = v
	}
	if v := os.Getenv("SENTINEL_CLUSTER_NAME"); v != "" {
		cfg.Cluster.Name = v
	}
	if v := os.Getenv("SENTINEL_NAMESPACE"); v != "" {
		cfg.Cluster.Namespace = v
	}
	if v := os.Getenv("SENTINEL_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dedup.Window = d
		}
	}
	if v := os.Getenv("SENTINEL_DEDUP_SHARED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dedup.Shared = b
		}
	}
	if v := os.Getenv("SENTINEL_TRANSPORT_MODE"); v != "" {
		cfg.Transport.Mode = v
	}
	if v := os.Getenv("SENTINEL_REDIS_ADDR"); v != "" {
		cfg.Transport.Redis.Addr = v
	}
	if v := os.Getenv("SENTINEL_REDIS_PASSWORD"); v != "" {
		cfg.Transport.Redis.Password = v
	}
	if v := os.Getenv("SENTINEL_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Redis.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_ANTHROPIC_ENDPOINT"); v != "" {
		cfg.Classifier.Endpoint = v
	}
	if v := os.Getenv("SENTINEL_ANTHROPIC_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("SENTINEL_ANTHROPIC_MODEL"); v != "" {
		cfg.Classifier.Model = v
	}
	if v := os.Getenv("SENTINEL_CLASSIFIER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Classifier.Timeout = d
		}
	}
	if v := os.Getenv("SENTINEL_RULES_PATH"); v != "" {
		cfg.Classifier.RulesPath = v
	}
	if v := os.Getenv("SENTINEL_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
		cfg.Notify.Slack.Enabled = true
	}
	if v := os.Getenv("SENTINEL_PAGERDUTY_ROUTING_KEY"); v != "" {
		cfg.Notify.PagerDuty.RoutingKey = v
		cfg.Notify.PagerDuty.Enabled = true
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_FAILURE_REASONS"); v != "" {
		reasons := make([]string, 0, 8)
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				reasons = append(reasons, r)
			}
		}
		if len(reasons) > 0 {
			cfg.Watcher.FailureReasons = reasons
		}
	}
}
