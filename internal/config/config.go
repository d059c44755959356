package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Connector names understood by the source factory.
const (
	FDICEDO        = "fdic_edo"
	OCCEnforcement = "occ_enforcement"
	FDICFailures   = "fdic_failures"
	NewsAPI        = "newsapi"
	MediaStack     = "mediastack"
	AIEvents       = "ai_events"
)

// Error marks a configuration problem that makes a run impossible.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "config: " + e.Msg }

func Errorf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

type LokiConfig struct {
	URL       string        `yaml:"url"`       // http://loki:3100
	TenantID  string        `yaml:"tenant_id"` // optional multi-tenancy
	Job       string        `yaml:"job"`       // label value, default: bank-events
	Timeout   time.Duration `yaml:"timeout"`   // request timeout
	UserAgent string        `yaml:"user_agent"`
}

type VictoriaConfig struct {
	URL       string        `yaml:"url"`     // http://victoria-metrics:8428
	Timeout   time.Duration `yaml:"timeout"` // request timeout
	UserAgent string        `yaml:"user_agent"`
}

type CommonHTTP struct {
	Timeout            time.Duration `yaml:"timeout"`
	UserAgent          string        `yaml:"user_agent"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	// Retry policy
	MaxRetries int           `yaml:"max_retries"` // total attempts (default 3)
	Backoff    time.Duration `yaml:"backoff"`     // initial backoff (default 1s)
	MaxBackoff time.Duration `yaml:"max_backoff"` // cap (default 10s)
}

// ScheduleConfig is a daily wall-clock slot.
type ScheduleConfig struct {
	Time     string `yaml:"time"`     // "06:00"
	Timezone string `yaml:"timezone"` // IANA, default America/New_York
}

type SourceConfig struct {
	Type    string     `yaml:"type"` // fdic_edo | occ_enforcement | fdic_failures | newsapi | mediastack | ai_events
	Enabled *bool      `yaml:"enabled"`
	BaseURL string     `yaml:"base_url"`
	APIKey  string     `yaml:"api_key"` // env override per type
	HTTP    CommonHTTP `yaml:"http"`
	// Per-source rate limiting
	RatePerSecond float64 `yaml:"rate_per_second"` // e.g. 1.0 = 1 req/sec
	Burst         int     `yaml:"burst"`           // token bucket burst (e.g. 2)
	// Source specific
	Banks     []string       `yaml:"banks"`      // news: institutions queried one by one
	PageSize  int            `yaml:"page_size"`  // news: results per query
	Model     string         `yaml:"model"`      // ai_events: model name
	MaxMonths int            `yaml:"max_months"` // monthly probing / ai_events window cap
	Schedule  ScheduleConfig `yaml:"schedule"`
}

func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type BankFindConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"` // https://banks.data.fdic.gov/api
	APIKey   string        `yaml:"api_key"`  // FDIC_API_KEY
	HTTP     CommonHTTP    `yaml:"http"`
	CacheTTL time.Duration `yaml:"cache_ttl"` // identity lookups, default 24h
	CacheMax int           `yaml:"cache_max"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type SchedulerConfig struct {
	Parallel       bool          `yaml:"parallel"`        // run connectors concurrently
	Interval       time.Duration `yaml:"interval"`        // serve loop tick, default 1m
	HealthLookback time.Duration `yaml:"health_lookback"` // default 168h
	StatePath      string        `yaml:"state_path"`      // schedule cursors
}

type KeywordRule struct {
	When       []string `yaml:"when"`       // substrings (case-insensitive) matched in title/summary
	Categories []string `yaml:"categories"` // categories to add when matched
	Nature     []string `yaml:"nature"`     // nature tags to add when matched
}

type RegexRule struct {
	Field      string   `yaml:"field"` // title|summary|url|institution
	Expr       string   `yaml:"expr"`
	Categories []string `yaml:"categories"`
	Nature     []string `yaml:"nature"`
}

type MapRule struct {
	Field   string            `yaml:"field"`   // institution|publisher
	Mapping map[string]string `yaml:"mapping"` // e.g. "Wells Fargo Bank, N.A.":"Wells Fargo & Company"
	OutKey  string            `yaml:"out_key"` // parent_company | jurisdiction
}

type PostProcessConfig struct {
	Keywords []KeywordRule `yaml:"keywords"`
	Regex    []RegexRule   `yaml:"regex"`
	Maps     []MapRule     `yaml:"maps"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable"`
}

type APIConfig struct {
	Enable        bool   `yaml:"enable"`
	ListenAddress string `yaml:"listen_address"` // :8080
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

type Config struct {
	Database  DatabaseConfig    `yaml:"database"`
	HTTP      CommonHTTP        `yaml:"http"`
	Sources   []SourceConfig    `yaml:"sources"`
	BankFind  BankFindConfig    `yaml:"bankfind"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Loki      LokiConfig        `yaml:"loki"`
	Victoria  VictoriaConfig    `yaml:"victoria"`
	Post      PostProcessConfig `yaml:"postprocess"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	API       APIConfig         `yaml:"api"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// LoadEnv reads a dotenv file if it exists. Variables already set win.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file, applies env overrides and defaults, and validates.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.applyEnv()
	c.applyDefaults()
	return c, c.Validate()
}

// Default is the configuration used when no file is given.
func Default() Config {
	var c Config
	for _, name := range []string{FDICEDO, OCCEnforcement, FDICFailures, NewsAPI, MediaStack, AIEvents} {
		c.Sources = append(c.Sources, SourceConfig{Type: name})
	}
	c.BankFind.Enabled = true
	c.applyEnv()
	// keyed sources without a key stay off rather than failing validation
	for i := range c.Sources {
		if requiresKey(c.Sources[i].Type) && c.Sources[i].APIKey == "" {
			off := false
			c.Sources[i].Enabled = &off
		}
	}
	c.applyDefaults()
	return c
}

var envKeys = map[string][]string{
	FDICFailures: {"FDIC_API_KEY"},
	NewsAPI:      {"NEWSAPI_KEY", "NEWS_API_KEY"},
	MediaStack:   {"MEDIASTACK_API_KEY"},
	AIEvents:     {"PERPLEXITY_API_KEY", "PPLX_API_KEY"},
}

func (c *Config) applyEnv() {
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.APIKey != "" {
			continue
		}
		for _, k := range envKeys[s.Type] {
			if v := os.Getenv(k); v != "" {
				s.APIKey = v
				break
			}
		}
	}
	if c.BankFind.APIKey == "" {
		c.BankFind.APIKey = os.Getenv("FDIC_API_KEY")
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
}

var defaultBaseURLs = map[string]string{
	FDICEDO:        "https://orders.fdic.gov",
	OCCEnforcement: "https://www.occ.gov",
	FDICFailures:   "https://banks.data.fdic.gov/api",
	NewsAPI:        "https://newsapi.org/v2",
	MediaStack:     "http://api.mediastack.com/v1",
	AIEvents:       "https://api.perplexity.ai",
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "file:bank_events.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.HTTP.MaxRetries == 0 {
		c.HTTP.MaxRetries = 3
	}
	if c.HTTP.Backoff == 0 {
		c.HTTP.Backoff = time.Second
	}
	if c.HTTP.MaxBackoff == 0 {
		c.HTTP.MaxBackoff = 10 * time.Second
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = "bank-reputation-monitor/1.0"
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.HTTP = mergeHTTP(s.HTTP, c.HTTP)
		if s.BaseURL == "" {
			s.BaseURL = defaultBaseURLs[s.Type]
		}
		if s.Schedule.Time == "" {
			s.Schedule.Time = "06:00"
		}
		if s.Schedule.Timezone == "" {
			s.Schedule.Timezone = "America/New_York"
		}
		if s.PageSize == 0 {
			s.PageSize = 20
		}
		if s.MaxMonths == 0 {
			s.MaxMonths = 36
		}
		if s.Type == AIEvents && s.Model == "" {
			s.Model = "sonar-pro"
		}
	}
	if c.BankFind.BaseURL == "" {
		c.BankFind.BaseURL = "https://banks.data.fdic.gov/api"
	}
	c.BankFind.HTTP = mergeHTTP(c.BankFind.HTTP, c.HTTP)
	if c.BankFind.CacheTTL == 0 {
		c.BankFind.CacheTTL = 24 * time.Hour
	}
	if c.BankFind.CacheMax == 0 {
		c.BankFind.CacheMax = 5000
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Scheduler.HealthLookback == 0 {
		c.Scheduler.HealthLookback = 7 * 24 * time.Hour
	}
	if c.Scheduler.StatePath == "" {
		c.Scheduler.StatePath = "schedule-state.json"
	}
	if c.Loki.Job == "" {
		c.Loki.Job = "bank-events"
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func mergeHTTP(s, common CommonHTTP) CommonHTTP {
	if s.Timeout == 0 {
		s.Timeout = common.Timeout
	}
	if s.UserAgent == "" {
		s.UserAgent = common.UserAgent
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = common.MaxRetries
	}
	if s.Backoff == 0 {
		s.Backoff = common.Backoff
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = common.MaxBackoff
	}
	s.InsecureSkipVerify = s.InsecureSkipVerify || common.InsecureSkipVerify
	return s
}

func requiresKey(kind string) bool {
	_, ok := envKeys[kind]
	return ok
}

// Validate reports configuration errors that make a run impossible.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, Errorf("database dsn is empty"))
	}
	seen := map[string]bool{}
	for _, s := range c.Sources {
		if _, ok := defaultBaseURLs[s.Type]; !ok {
			errs = append(errs, Errorf("unknown source type %q", s.Type))
			continue
		}
		if seen[s.Type] {
			errs = append(errs, Errorf("source %q configured twice", s.Type))
		}
		seen[s.Type] = true
		if s.IsEnabled() && requiresKey(s.Type) && s.APIKey == "" {
			errs = append(errs, Errorf("source %q is enabled but has no api key (set %s)", s.Type, strings.Join(envKeys[s.Type], " or ")))
		}
		if _, err := time.Parse("15:04", s.Schedule.Time); err != nil {
			errs = append(errs, Errorf("source %q schedule time %q is not HH:MM", s.Type, s.Schedule.Time))
		}
		if _, err := time.LoadLocation(s.Schedule.Timezone); err != nil {
			errs = append(errs, Errorf("source %q timezone %q: %v", s.Type, s.Schedule.Timezone, err))
		}
	}
	return errors.Join(errs...)
}
