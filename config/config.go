package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ymiyake/flyerbot/internal/domain"
)

// Config is the full bot configuration.
type Config struct {
	IntervalSeconds int             `yaml:"interval_seconds"`
	Exchange        ExchangeConfig  `yaml:"exchange"`
	Storage         StorageConfig   `yaml:"storage"`
	Notify          NotifyConfig    `yaml:"notify"`
	Log             LogConfig       `yaml:"log"`
	Products        []ProductConfig `yaml:"products"`
}

// ExchangeConfig holds gateway connection settings. API credentials come
// from the environment (API_KEY / API_SECRET), never from the YAML file.
type ExchangeConfig struct {
	BaseURL  string `yaml:"base_url"`
	Timezone string `yaml:"timezone"`

	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// StorageConfig selects the persistence backend once at startup. Business
// logic only ever sees the TableStore port.
type StorageConfig struct {
	Backend string `yaml:"backend"` // csv | sqlite
	Dir     string `yaml:"dir"`     // csv: data directory
	DSN     string `yaml:"dsn"`     // sqlite: database path, or ":memory:"
}

// NotifyConfig controls the outbound webhook channel.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ProductConfig enables strategies for one instrument.
type ProductConfig struct {
	Code  string      `yaml:"code"`
	Long  *TermConfig `yaml:"long"`
	Short *TermConfig `yaml:"short"`
	DCA   *DCAConfig  `yaml:"dca"`
}

// TermConfig holds the pricing parameters for one strategy term.
type TermConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxBuyPriceRate is the fraction of the all-time high above which no
	// buy is placed.
	MaxBuyPriceRate float64 `yaml:"max_buy_price_rate"`

	MinSize   float64 `yaml:"min_size"`
	MinVolume float64 `yaml:"min_volume"`
	MaxVolume float64 `yaml:"max_volume"`

	// MinRewardRate is the smallest acceptable gain when selling, as a
	// fraction of the buy price.
	MinRewardRate float64 `yaml:"min_reward_rate"`

	// MinLocalPriceGapRate is the minimum high/low spread the local window
	// must show before a buy price can be derived from it.
	MinLocalPriceGapRate float64 `yaml:"min_local_price_gap_rate"`

	Cycles map[domain.Cycle]CycleConfig `yaml:"cycles"`
}

// CycleConfig enables one recurring slot and carries its overrides.
type CycleConfig struct {
	Enabled bool `yaml:"enabled"`

	// SellRate multiplies the buy price to form the sell limit price.
	SellRate float64 `yaml:"sell_rate"`

	// SellPrice, when set, is an absolute sell limit price overriding
	// SellRate for this slot.
	SellPrice int64 `yaml:"sell_price"`
}

// DCAConfig is the dollar-cost-average strategy: buy once per cycle below a
// price ceiling, never sell.
type DCAConfig struct {
	Enabled bool         `yaml:"enabled"`
	Cycle   domain.Cycle `yaml:"cycle"`

	// CeilingRate is the fraction of the all-time high above which the DCA
	// buy is skipped.
	CeilingRate float64 `yaml:"ceiling_rate"`

	MinSize   float64 `yaml:"min_size"`
	MinVolume float64 `yaml:"min_volume"`
	MaxVolume float64 `yaml:"max_volume"`
}

// Load reads the YAML config and the .env file if present. Environment
// variables override YAML for credentials and logging.
func Load(path string) (*Config, error) {
	// Load .env if present (silence error if there is no file)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// TickInterval returns the scheduler interval as a time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Term returns the term configuration for a product, nil when absent.
func (p ProductConfig) Term(term domain.Term) *TermConfig {
	switch term {
	case domain.TermLong:
		return p.Long
	case domain.TermShort:
		return p.Short
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Exchange.APIKey = os.Getenv("API_KEY")
	cfg.Exchange.APISecret = os.Getenv("API_SECRET")

	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 300
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.bitflyer.com"
	}
	if cfg.Exchange.Timezone == "" {
		cfg.Exchange.Timezone = "Asia/Tokyo"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "csv"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "flyerbot.db"
	}
	if cfg.Notify.TimeoutSeconds <= 0 {
		cfg.Notify.TimeoutSeconds = 3
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	for i := range cfg.Products {
		setTermDefaults(cfg.Products[i].Long, domain.TermLong)
		setTermDefaults(cfg.Products[i].Short, domain.TermShort)
		setDCADefaults(cfg.Products[i].DCA)
	}
}

func setTermDefaults(tc *TermConfig, term domain.Term) {
	if tc == nil {
		return
	}
	if tc.MaxBuyPriceRate <= 0 {
		if term == domain.TermLong {
			tc.MaxBuyPriceRate = 0.70
		} else {
			tc.MaxBuyPriceRate = 0.75
		}
	}
	if tc.MinSize <= 0 {
		tc.MinSize = 0.001
	}
	if tc.MinVolume <= 0 {
		tc.MinVolume = 1000
	}
	if tc.MaxVolume <= 0 {
		tc.MaxVolume = 10 * tc.MinVolume
	}
	if tc.MinRewardRate <= 0 {
		tc.MinRewardRate = 0.01
	}
	if tc.MinLocalPriceGapRate <= 0 {
		tc.MinLocalPriceGapRate = 0.03
	}
}

func setDCADefaults(dc *DCAConfig) {
	if dc == nil {
		return
	}
	if dc.Cycle == "" {
		dc.Cycle = domain.CycleMonthly
	}
	if dc.CeilingRate <= 0 {
		dc.CeilingRate = 0.70
	}
	if dc.MinSize <= 0 {
		dc.MinSize = 0.001
	}
	if dc.MinVolume <= 0 {
		dc.MinVolume = 1000
	}
	if dc.MaxVolume <= 0 {
		dc.MaxVolume = 10 * dc.MinVolume
	}
}

func (c *Config) validate() error {
	if len(c.Products) == 0 {
		return fmt.Errorf("no products configured")
	}
	switch c.Storage.Backend {
	case "csv", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	for _, p := range c.Products {
		if p.Code == "" {
			return fmt.Errorf("product with empty code")
		}
		for _, tc := range []*TermConfig{p.Long, p.Short} {
			if tc == nil {
				continue
			}
			if tc.MaxBuyPriceRate >= 1 {
				return fmt.Errorf("%s: max_buy_price_rate must be < 1", p.Code)
			}
			if tc.MinVolume > tc.MaxVolume {
				return fmt.Errorf("%s: min_volume exceeds max_volume", p.Code)
			}
		}
		// A short cycle without a sell leg would buy forever and never
		// hedge; only the long term is allowed to hold.
		if p.Short != nil && p.Short.Enabled {
			for cycle, cc := range p.Short.Cycles {
				if cc.Enabled && cc.SellRate <= 0 && cc.SellPrice <= 0 {
					return fmt.Errorf("%s: short cycle %s needs sell_rate or sell_price", p.Code, cycle)
				}
			}
		}
	}
	return nil
}
