package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/pkg/listing"
	"github.com/odmlab/micradar/pkg/source"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig            `yaml:"database"`
	Matching    MatchingConfig            `yaml:"matching"`
	Ingest      IngestConfig              `yaml:"ingest"`
	Schedule    ScheduleConfig            `yaml:"schedule"`
	Locks       LocksConfig               `yaml:"locks"`
	Competitors []CompetitorConfig        `yaml:"competitors"`
	Shops       map[string]listing.Schema `yaml:"shops"`
	Report      ReportConfig              `yaml:"report"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	Server      ServerConfig              `yaml:"server"`
	Log         LogConfig                 `yaml:"log"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // "sqlite" or "pgx"
	Path       string `yaml:"path"`   // sqlite file
	DSN        string `yaml:"dsn"`    // postgres connection string
	OpTimeout  string `yaml:"op_timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// ParseOpTimeout returns the per-operation storage timeout.
func (d DatabaseConfig) ParseOpTimeout() time.Duration {
	return parseDuration(d.OpTimeout, 5*time.Second)
}

// StoreOptions builds the options for store.New.
func (d DatabaseConfig) StoreOptions() store.Options {
	dsn := d.DSN
	if d.Driver != store.DriverPostgres {
		dsn = d.Path
	}
	return store.Options{
		Driver:     d.Driver,
		DSN:        dsn,
		OpTimeout:  d.ParseOpTimeout(),
		MaxRetries: d.MaxRetries,
	}
}

// MatchingConfig tunes product matching.
type MatchingConfig struct {
	Threshold     float64 `yaml:"threshold"`
	AmbiguityBand float64 `yaml:"ambiguity_band"`
	// LooseClusters lets a listing attach on its best single score even when
	// other signatures of the product disagree. Matching then depends on
	// ingestion order.
	LooseClusters bool `yaml:"loose_clusters"`

	Synonyms      map[string]string `yaml:"synonyms"`
	Noise         []string          `yaml:"noise"`
	Brands        []string          `yaml:"brands"`
}

// IngestConfig tunes batch ingestion.
type IngestConfig struct {
	Workers        int    `yaml:"workers"`
	RunWaitTimeout string `yaml:"run_wait_timeout"`
}

// ParseRunWaitTimeout returns how long a batch waits for the competitor's previous run.
func (i IngestConfig) ParseRunWaitTimeout() time.Duration {
	return parseDuration(i.RunWaitTimeout, time.Minute)
}

// ScheduleConfig configures periodic imports of the competitors' sources.
type ScheduleConfig struct {
	ImportInterval string `yaml:"import_interval"`
}

// ParseImportInterval returns the import interval as time.Duration.
func (s ScheduleConfig) ParseImportInterval() time.Duration {
	return parseDuration(s.ImportInterval, 6*time.Hour)
}

// LocksConfig selects how runs of one competitor are kept from overlapping.
type LocksConfig struct {
	Backend       string `yaml:"backend"` // "local" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTL           string `yaml:"ttl"`
}

// ParseTTL returns the lock lease duration.
func (l LocksConfig) ParseTTL() time.Duration {
	return parseDuration(l.TTL, 30*time.Second)
}

// CompetitorConfig is one tracked shop and where its exports come from.
type CompetitorConfig struct {
	ID       int64          `yaml:"id"`
	Key      string         `yaml:"key"`
	Name     string         `yaml:"name"`
	Country  string         `yaml:"country"`
	BaseURL  string         `yaml:"base_url"`
	Currency string         `yaml:"currency"`
	Sources  []SourceConfig `yaml:"sources"`
}

// SourceConfig is one export location of a competitor.
type SourceConfig struct {
	Kind              string  `yaml:"kind"` // "jsonl", "merchant" or "html"
	Location          string  `yaml:"location"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// CatalogFilter drops non-microphone items from whole-catalog feeds.
	CatalogFilter bool     `yaml:"catalog_filter"`
	Include       []string `yaml:"include"`
	Exclude       []string `yaml:"exclude"`
}

// ReportConfig configures comparison views.
type ReportConfig struct {
	ReferenceCompetitor string `yaml:"reference_competitor"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	MinChangePercent float64       `yaml:"min_change_percent"`
	Slack            SlackConfig   `yaml:"slack"`
	Discord          DiscordConfig `yaml:"discord"`
	Webhook          WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Mode string `yaml:"mode"` // "dev" or "prod"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:     store.DriverSQLite,
			Path:       "./micradar.db",
			OpTimeout:  "5s",
			MaxRetries: 3,
		},
		Matching: MatchingConfig{
			Threshold:     0.85,
			AmbiguityBand: 0.02,
		},
		Ingest: IngestConfig{
			Workers:        4,
			RunWaitTimeout: "1m",
		},
		Schedule: ScheduleConfig{ImportInterval: "6h"},
		Locks: LocksConfig{
			Backend:   "local",
			RedisAddr: "localhost:6379",
			TTL:       "30s",
		},
		Competitors: []CompetitorConfig{
			{ID: 1, Key: "bax", Name: "Bax-shop", Country: "NL", BaseURL: "https://www.bax-shop.nl", Currency: "EUR"},
			{ID: 2, Key: "bol", Name: "bol.com", Country: "NL", BaseURL: "https://www.bol.com", Currency: "EUR"},
			{ID: 3, Key: "maxiaxi", Name: "MaxiAxi", Country: "NL", BaseURL: "https://www.maxiaxi.com", Currency: "EUR"},
			{ID: 4, Key: "thomann", Name: "Thomann", Country: "DE", BaseURL: "https://www.thomann.nl", Currency: "EUR"},
		},
		Report: ReportConfig{ReferenceCompetitor: "bax"},
		Alerts: AlertsConfig{MinChangePercent: 1},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Mode: "dev"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
// A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath is the config file read when none is given.
const DefaultPath = "./config.yaml"

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MICRADAR_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MICRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MICRADAR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Driver = store.DriverPostgres
	}
	if v := os.Getenv("MICRADAR_REDIS_ADDR"); v != "" {
		cfg.Locks.RedisAddr = v
		cfg.Locks.Backend = "redis"
	}
	if v := os.Getenv("MICRADAR_LOG_MODE"); v != "" {
		cfg.Log.Mode = v
	}
	if v := os.Getenv("MICRADAR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.Workers = n
		}
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want %s or %s", c.Database.Driver, store.DriverSQLite, store.DriverPostgres))
	}
	if c.Database.Driver == store.DriverPostgres && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required for pgx"))
	}
	if c.Matching.Threshold <= 0 || c.Matching.Threshold > 1 {
		errs = append(errs, fmt.Errorf("matching.threshold %v: want (0, 1]", c.Matching.Threshold))
	}
	if c.Matching.AmbiguityBand < 0 || c.Matching.AmbiguityBand >= c.Matching.Threshold {
		errs = append(errs, fmt.Errorf("matching.ambiguity_band %v: want [0, threshold)", c.Matching.AmbiguityBand))
	}
	switch c.Locks.Backend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("locks.backend %q: want local or redis", c.Locks.Backend))
	}

	ids := make(map[int64]bool)
	keys := make(map[string]bool)
	for _, comp := range c.Competitors {
		key := strings.ToLower(comp.Key)
		if comp.ID <= 0 || key == "" {
			errs = append(errs, fmt.Errorf("competitor %q: id and key are required", comp.Name))
			continue
		}
		if ids[comp.ID] || keys[key] {
			errs = append(errs, fmt.Errorf("competitor %d %q: duplicate id or key", comp.ID, key))
		}
		ids[comp.ID], keys[key] = true, true
		for _, sc := range comp.Sources {
			if !knownKind(sc.Kind) {
				errs = append(errs, fmt.Errorf("competitor %q source %q: unknown kind %q", key, sc.Location, sc.Kind))
			}
		}
	}
	if ref := c.Report.ReferenceCompetitor; ref != "" && !keys[strings.ToLower(ref)] {
		errs = append(errs, fmt.Errorf("report.reference_competitor %q is not a configured competitor", ref))
	}
	return errors.Join(errs...)
}

func knownKind(kind string) bool {
	if kind == "" {
		return true
	}
	for _, k := range source.AllKinds() {
		if string(k) == kind {
			return true
		}
	}
	return false
}

// StoreCompetitors returns the competitor seed rows.
func (c *Config) StoreCompetitors() []store.Competitor {
	out := make([]store.Competitor, 0, len(c.Competitors))
	for _, comp := range c.Competitors {
		currency := comp.Currency
		if currency == "" {
			currency = "EUR"
		}
		out = append(out, store.Competitor{
			ID:       comp.ID,
			Key:      strings.ToLower(comp.Key),
			Name:     comp.Name,
			Country:  comp.Country,
			BaseURL:  comp.BaseURL,
			Currency: currency,
		})
	}
	return out
}

// Competitor returns the competitor with the given key.
func (c *Config) Competitor(key string) (CompetitorConfig, bool) {
	for _, comp := range c.Competitors {
		if strings.EqualFold(comp.Key, key) {
			return comp, true
		}
	}
	return CompetitorConfig{}, false
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
