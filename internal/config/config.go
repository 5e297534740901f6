package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/gil9red/currency-rates-telegram-bot/internal/logging"
)

// DateLayout is the layout used for calendar dates in configuration and CLI flags.
const DateLayout = "2006-01-02"

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Chart    ChartConfig    `mapstructure:"chart"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// FeedConfig describes the upstream daily rates document.
type FeedConfig struct {
	URL            string        `mapstructure:"url"`
	DateParam      string        `mapstructure:"date_param"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ScraperConfig governs the ingestion loop cadence.
type ScraperConfig struct {
	StartDate       string        `mapstructure:"start_date"`
	Timezone        string        `mapstructure:"timezone"`
	RequestDelay    time.Duration `mapstructure:"request_delay"`
	RequestJitter   time.Duration `mapstructure:"request_jitter"`
	PassInterval    time.Duration `mapstructure:"pass_interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// NotifierConfig governs the dispatch loop cadence.
type NotifierConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`
	SendInterval      time.Duration `mapstructure:"send_interval"`
	DefaultCurrencies []string      `mapstructure:"default_currencies"`
}

// TelegramConfig covers bot API access.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	APIBase string `mapstructure:"api_base"`
}

// ChartConfig sets rendered image geometry.
type ChartConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// MetricsConfig exposes Prometheus metrics when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATESBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratesbot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("feed.url", "https://www.cbr.ru/scripts/XML_daily.asp")
	v.SetDefault("feed.date_param", "date_req")
	v.SetDefault("feed.request_timeout", "30s")
	v.SetDefault("feed.user_agent", "ratesbot/1.0")

	v.SetDefault("scraper.start_date", "1992-07-01")
	v.SetDefault("scraper.timezone", "Europe/Moscow")
	v.SetDefault("scraper.request_delay", "5s")
	v.SetDefault("scraper.request_jitter", "2s")
	v.SetDefault("scraper.pass_interval", "1h")
	v.SetDefault("scraper.error_backoff", "4h")
	v.SetDefault("scraper.advisory_lock_key", int64(0x43425252))

	v.SetDefault("notifier.poll_interval", "2s")
	v.SetDefault("notifier.error_backoff", "1m")
	v.SetDefault("notifier.send_interval", "400ms")
	v.SetDefault("notifier.default_currencies", []string{"USD", "EUR", "CNY"})

	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")

	v.SetDefault("chart.width", 1280)
	v.SetDefault("chart.height", 720)

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url 必须配置")
	}
	if c.Scraper.PassInterval <= 0 {
		return fmt.Errorf("scraper.pass_interval must be greater than zero")
	}
	if c.Scraper.ErrorBackoff <= 0 {
		return fmt.Errorf("scraper.error_backoff must be greater than zero")
	}
	if c.Scraper.RequestDelay < 0 || c.Scraper.RequestJitter < 0 {
		return fmt.Errorf("scraper.request_delay and scraper.request_jitter cannot be negative")
	}
	if _, err := c.StartDate(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Notifier.PollInterval <= 0 {
		return fmt.Errorf("notifier.poll_interval must be greater than zero")
	}
	if c.Notifier.ErrorBackoff <= 0 {
		return fmt.Errorf("notifier.error_backoff must be greater than zero")
	}
	if c.Notifier.SendInterval < 0 {
		return fmt.Errorf("notifier.send_interval cannot be negative")
	}
	if len(c.Notifier.DefaultCurrencies) == 0 {
		return fmt.Errorf("notifier.default_currencies must not be empty")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.enabled 为 true 时 telegram.token 必须配置")
	}
	if c.Chart.Width <= 0 || c.Chart.Height <= 0 {
		return fmt.Errorf("chart.width and chart.height must be greater than zero")
	}
	return nil
}

// StartDate parses the epoch the scraper starts from on an empty store.
func (c *Config) StartDate() (time.Time, error) {
	start, err := time.Parse(DateLayout, c.Scraper.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("scraper.start_date: %w", err)
	}
	return start, nil
}

// Location resolves the timezone used to decide what "today" is for the feed.
func (c *Config) Location() (*time.Location, error) {
	if c.Scraper.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scraper.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scraper.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
