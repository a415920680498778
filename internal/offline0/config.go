package offline0

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin      string `yaml:"origin" validate:"required,url"`
		ControlPath string `yaml:"controlPath" validate:"required,startswith=/"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		// Ephemeral keeps every store in memory; nothing survives a restart.
		Ephemeral bool `yaml:"ephemeral"`
	} `yaml:"storage"`

	Manifest struct {
		Path  string `yaml:"path" validate:"required"`
		Watch bool   `yaml:"watch"`
	} `yaml:"manifest"`

	Cache struct {
		Prefix   string `yaml:"prefix"`
		Staging  string `yaml:"staging" validate:"required,nefield=Content"`
		Content  string `yaml:"content" validate:"required"`
		Assets   string `yaml:"assets" validate:"required,nefield=Content"`
		Manifest string `yaml:"manifest" validate:"required,nefield=Content,nefield=Staging"`
	} `yaml:"cache"`

	Routing struct {
		Critical    []string `yaml:"critical"`
		AssetMarker string   `yaml:"assetMarker"`
		// PrecacheCritical stages the critical list into the assets store
		// during install.
		PrecacheCritical bool `yaml:"precacheCritical"`
	} `yaml:"routing"`

	Fetch struct {
		Timeout     string `yaml:"timeout"`
		MaxBody     string `yaml:"maxBody"`
		Concurrency int    `yaml:"concurrency" validate:"gte=0,lte=256"`

		timeoutDur time.Duration
		maxBytes   int64
	} `yaml:"fetch"`

	Lifecycle struct {
		// SkipWaiting activates a freshly installed agent without waiting
		// for a skipWaiting message.
		SkipWaiting  *bool  `yaml:"skipWaiting"`
		InstallRetry string `yaml:"installRetry"`

		installRetryDur time.Duration
	} `yaml:"lifecycle"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`
		LogFetches    bool   `yaml:"logFetches"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

var configValidate = validator.New()

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if _, err := parseOrigin(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if cfg.Server.ControlPath == "" {
		cfg.Server.ControlPath = "/_offline0"
	}
	cfg.Server.ControlPath = strings.TrimRight(cfg.Server.ControlPath, "/")

	if cfg.Storage.Path == "" && !cfg.Storage.Ephemeral {
		cfg.Storage.Path = "./data/leveldb"
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "offline0-"
	}
	def := func(v *string, suffix string) {
		if *v == "" {
			*v = cfg.Cache.Prefix + suffix
		}
	}
	def(&cfg.Cache.Staging, "temp")
	def(&cfg.Cache.Content, "content")
	def(&cfg.Cache.Assets, "assets")
	def(&cfg.Cache.Manifest, "manifest")

	for i, p := range cfg.Routing.Critical {
		cfg.Routing.Critical[i] = NormalizePath(p)
	}

	if cfg.Fetch.Concurrency == 0 {
		cfg.Fetch.Concurrency = 8
	}
	if cfg.Fetch.Timeout == "" {
		cfg.Fetch.Timeout = "30s"
	}
	d, err := time.ParseDuration(cfg.Fetch.Timeout)
	if err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	cfg.Fetch.timeoutDur = d
	if cfg.Fetch.MaxBody != "" {
		n, err := parseBytes(cfg.Fetch.MaxBody)
		if err != nil {
			return fmt.Errorf("fetch.maxBody: %w", err)
		}
		cfg.Fetch.maxBytes = n
	}

	if cfg.Lifecycle.InstallRetry != "" {
		d, err := time.ParseDuration(cfg.Lifecycle.InstallRetry)
		if err != nil {
			return fmt.Errorf("lifecycle.installRetry: %w", err)
		}
		cfg.Lifecycle.installRetryDur = d
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	if err := configValidate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StoragePath is the leveldb directory, or "" for an in-memory database.
func (cfg Config) StoragePath() string {
	if cfg.Storage.Ephemeral {
		return ""
	}
	return cfg.Storage.Path
}

func (cfg Config) Fetcher() Fetcher {
	return NewHTTPFetcher(cfg.Fetch.timeoutDur, cfg.Fetch.maxBytes)
}

func (cfg Config) skipWaiting() bool {
	return cfg.Lifecycle.SkipWaiting == nil || *cfg.Lifecycle.SkipWaiting
}

// AgentConfig is the immutable per-deployment view of the configuration
// an agent closes over.
type AgentConfig struct {
	Origin           string
	Names            StoreNames
	Prefix           string
	Critical         []string
	AssetMarker      string
	PrecacheCritical bool
	SkipWaiting      bool
	Concurrency      int
	LogFetches       bool
}

type StoreNames struct {
	Staging  string
	Content  string
	Assets   string
	Manifest string
}

func (n StoreNames) all() []string {
	return []string{n.Staging, n.Content, n.Assets, n.Manifest}
}

func (cfg Config) AgentConfig() AgentConfig {
	critical := make([]string, len(cfg.Routing.Critical))
	copy(critical, cfg.Routing.Critical)
	return AgentConfig{
		Origin: cfg.Server.Origin,
		Names: StoreNames{
			Staging:  cfg.Cache.Staging,
			Content:  cfg.Cache.Content,
			Assets:   cfg.Cache.Assets,
			Manifest: cfg.Cache.Manifest,
		},
		Prefix:           cfg.Cache.Prefix,
		Critical:         critical,
		AssetMarker:      cfg.Routing.AssetMarker,
		PrecacheCritical: cfg.Routing.PrecacheCritical,
		SkipWaiting:      cfg.skipWaiting(),
		Concurrency:      cfg.Fetch.Concurrency,
		LogFetches:       cfg.Logging.LogFetches,
	}
}
