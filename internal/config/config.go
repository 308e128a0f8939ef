package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig    `mapstructure:"database"`
	Log      LogConfig         `mapstructure:"log"`
	Import   ImportConfig      `mapstructure:"import"`
	Formats  []StatementFormat `mapstructure:"formats"`
	Matching MatchingConfig    `mapstructure:"matching"`
	Rules    RulesConfig       `mapstructure:"rules"`
	Notify   NotifyConfig      `mapstructure:"notify"`
	HTTP     HTTPConfig        `mapstructure:"http"`
	UI       UIConfig          `mapstructure:"ui"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig selects level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ImportConfig controls statement ingestion.
type ImportConfig struct {
	Workers       int    `mapstructure:"workers"`
	DefaultFormat string `mapstructure:"default_format"`
}

// StatementFormat describes how to read one provider's statement export.
// Column indexes are zero based; -1 means the column is absent. An empty
// Channel fits accounts of any channel.
type StatementFormat struct {
	Name                   string   `mapstructure:"name"`
	Channel                string   `mapstructure:"channel"`
	HasHeader              bool     `mapstructure:"has_header"`
	Delimiter              string   `mapstructure:"delimiter"`
	DateLayouts            []string `mapstructure:"date_layouts"`
	DateCol                int      `mapstructure:"date_col"`
	AmountCol              int      `mapstructure:"amount_col"`
	ReferenceCol           int      `mapstructure:"reference_col"`
	DescriptionCol         int      `mapstructure:"description_col"`
	DirectionCol           int      `mapstructure:"direction_col"`
	CounterpartyCol        int      `mapstructure:"counterparty_col"`
	CounterpartyAccountCol int      `mapstructure:"counterparty_account_col"`
	AmountStrip            string   `mapstructure:"amount_strip"`
}

// MatchingConfig carries the deployment-specific matching parameters.
type MatchingConfig struct {
	LookbackDays            int           `mapstructure:"lookback_days"`
	LookaheadDays           int           `mapstructure:"lookahead_days"`
	PartialToleranceMinor   int64         `mapstructure:"partial_tolerance_minor"`
	PartialTolerancePercent string        `mapstructure:"partial_tolerance_percent"`
	LockTTL                 time.Duration `mapstructure:"lock_ttl"`
	Schedule                string        `mapstructure:"schedule"`
}

// RulesConfig points at an optional YAML rule seed.
type RulesConfig struct {
	File string `mapstructure:"file"`
}

// NotifyConfig controls the outbound notification retry job.
type NotifyConfig struct {
	Schedule      string  `mapstructure:"schedule"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	BatchSize     int     `mapstructure:"batch_size"`
}

// HTTPConfig holds the listen address.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// UIConfig holds presentation settings.
type UIConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Load reads configuration from file and env. Env var overrides use prefix RECON_.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("RECON_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "recon"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(c.Formats) == 0 {
		c.Formats = DefaultFormats()
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "recon", "recon.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("import.workers", 4)
	v.SetDefault("import.default_format", "generic")
	v.SetDefault("matching.lookback_days", 7)
	v.SetDefault("matching.lookahead_days", 7)
	v.SetDefault("matching.partial_tolerance_minor", 0)
	v.SetDefault("matching.partial_tolerance_percent", "0")
	v.SetDefault("matching.lock_ttl", "15m")
	v.SetDefault("matching.schedule", "")
	v.SetDefault("rules.file", "")
	v.SetDefault("notify.schedule", "@every 1m")
	v.SetDefault("notify.max_attempts", 8)
	v.SetDefault("notify.rate_per_second", 10.0)
	v.SetDefault("notify.batch_size", 100)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("ui.timezone", "UTC")
}

// DefaultFormats returns the built-in statement formats: a generic headered CSV
// for any account and a mobile-money export with receipt ids in the first
// column.
func DefaultFormats() []StatementFormat {
	return []StatementFormat{
		{
			Name:                   "generic",
			HasHeader:              true,
			Delimiter:              ",",
			DateLayouts:            []string{"2006-01-02", "02/01/2006", "2/01/2006"},
			DateCol:                0,
			AmountCol:              1,
			ReferenceCol:           2,
			DescriptionCol:         3,
			DirectionCol:           -1,
			CounterpartyCol:        4,
			CounterpartyAccountCol: -1,
			AmountStrip:            ",",
		},
		{
			Name:                   "mobile-money",
			Channel:                "MOBILE_MONEY",
			HasHeader:              true,
			Delimiter:              ",",
			DateLayouts:            []string{"2006-01-02 15:04:05", "2006-01-02", "02/01/2006 15:04"},
			DateCol:                1,
			AmountCol:              4,
			ReferenceCol:           0,
			DescriptionCol:         2,
			DirectionCol:           3,
			CounterpartyCol:        5,
			CounterpartyAccountCol: 6,
			AmountStrip:            ",",
		},
	}
}

// Format returns the named statement format.
func (c Config) Format(name string) (StatementFormat, bool) {
	for _, f := range c.Formats {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return StatementFormat{}, false
}

// Location resolves the configured timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.UI.Timezone)
	if err != nil || c.UI.Timezone == "" {
		return time.UTC
	}
	return loc
}
