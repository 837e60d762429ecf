package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ksred/klear-lending/internal/types"
)

// DefaultProductCode is used when the configuration file declares no products
const DefaultProductCode = "LAS-MF"

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Env  string `yaml:"env"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Redis struct {
		Addr    string        `yaml:"addr"`
		LockTTL time.Duration `yaml:"lock_ttl"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		GroupID      string   `yaml:"group_id"`
		PriceTopic   string   `yaml:"price_topic"`
		PaymentTopic string   `yaml:"payment_topic"`
		EventTopic   string   `yaml:"event_topic"`
	} `yaml:"kafka"`
	Schedule struct {
		RevaluationCron string        `yaml:"revaluation_cron"`
		OverdueCron     string        `yaml:"overdue_cron"`
		DueCallInterval time.Duration `yaml:"due_call_interval"`
	} `yaml:"schedule"`
	Sweep struct {
		Workers int           `yaml:"workers"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"sweep"`
	Valuation struct {
		MaxNAVAge time.Duration `yaml:"max_nav_age"`
	} `yaml:"valuation"`
	LTVBands rawBands              `yaml:"ltv_bands"`
	Products map[string]rawProduct `yaml:"products"`

	bands    Bands
	products map[string]Product
}

type rawBands struct {
	Moderate float64 `yaml:"moderate"`
	Elevated float64 `yaml:"elevated"`
	High     float64 `yaml:"high"`
}

type rawProduct struct {
	MaxLTVPercent            float64 `yaml:"max_ltv_percent"`
	MarginCallThreshold      float64 `yaml:"margin_call_threshold"`
	LiquidationThreshold     float64 `yaml:"liquidation_threshold"`
	MarginCallSLAHours       int     `yaml:"margin_call_sla_hours"`
	NPAOverdueDays           int     `yaml:"npa_overdue_days"`
	ForeclosureChargePercent float64 `yaml:"foreclosure_charge_percent"`
	ProcessingFee            float64 `yaml:"processing_fee"`
	TaxRate                  float64 `yaml:"tax_rate"`
	Taxable                  bool    `yaml:"taxable"`
	DailyPenalRate           float64 `yaml:"daily_penal_rate"`
	PenalMultiplier          float64 `yaml:"penal_multiplier"`
}

// Bands are the lower bounds (percent) of the moderate, elevated and high LTV bands
type Bands struct {
	Moderate decimal.Decimal
	Elevated decimal.Decimal
	High     decimal.Decimal
}

// Charges configure a foreclosure quote
type Charges struct {
	ForeclosureChargePercent decimal.Decimal
	ProcessingFee            decimal.Decimal
	TaxRatePercent           decimal.Decimal
	Taxable                  bool
	DailyPenalRate           decimal.Decimal
	PenalMultiplier          decimal.Decimal
}

// Product is the validated, read-only risk configuration of a loan product
type Product struct {
	Code                 string
	MaxLTVPercent        decimal.Decimal
	MarginCallThreshold  decimal.Decimal
	LiquidationThreshold decimal.Decimal
	MarginCallSLA        time.Duration
	NPAOverdueDays       int
	Charges              Charges
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REVALUATION_CRON"); v != "" {
		cfg.Schedule.RevaluationCron = v
	}
	if v := os.Getenv("SWEEP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.Workers = n
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration built only from defaults
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/klear_lending.db"
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "klear-secret-key"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 30 * time.Second
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "klear-lending-risk"
	}
	if c.Kafka.PriceTopic == "" {
		c.Kafka.PriceTopic = "nav-ticks"
	}
	if c.Kafka.PaymentTopic == "" {
		c.Kafka.PaymentTopic = "loan-payments"
	}
	if c.Kafka.EventTopic == "" {
		c.Kafka.EventTopic = "margin-call-events"
	}
	if c.Schedule.RevaluationCron == "" {
		c.Schedule.RevaluationCron = "0 */15 * * * *"
	}
	if c.Schedule.OverdueCron == "" {
		c.Schedule.OverdueCron = "0 5 0 * * *"
	}
	if c.Schedule.DueCallInterval == 0 {
		c.Schedule.DueCallInterval = time.Minute
	}
	if c.Sweep.Workers == 0 {
		c.Sweep.Workers = 8
	}
	if c.Sweep.Timeout == 0 {
		c.Sweep.Timeout = 10 * time.Minute
	}
	if c.LTVBands == (rawBands{}) {
		c.LTVBands = rawBands{Moderate: 40, Elevated: 55, High: 65}
	}
	if len(c.Products) == 0 {
		c.Products = map[string]rawProduct{
			DefaultProductCode: {
				MaxLTVPercent:            50,
				MarginCallThreshold:      60,
				LiquidationThreshold:     70,
				MarginCallSLAHours:       72,
				NPAOverdueDays:           90,
				ForeclosureChargePercent: 2,
				ProcessingFee:            999,
				TaxRate:                  18,
				Taxable:                  true,
				DailyPenalRate:           0.0005,
				PenalMultiplier:          1,
			},
		}
	}
}

// Validate checks every field and freezes bands and products into their
// decimal form. It is called by Load and must be called again after any
// programmatic change to the raw sections.
func (c *Config) Validate() error {
	if c.Sweep.Workers < 1 {
		return fmt.Errorf("sweep.workers must be positive")
	}
	if c.Valuation.MaxNAVAge < 0 {
		return fmt.Errorf("valuation.max_nav_age must not be negative")
	}

	bands := Bands{
		Moderate: decimal.NewFromFloat(c.LTVBands.Moderate),
		Elevated: decimal.NewFromFloat(c.LTVBands.Elevated),
		High:     decimal.NewFromFloat(c.LTVBands.High),
	}
	if !bands.Moderate.IsPositive() || !bands.Moderate.LessThan(bands.Elevated) || !bands.Elevated.LessThan(bands.High) {
		return fmt.Errorf("ltv_bands must be positive and strictly ascending")
	}

	if len(c.Products) == 0 {
		return fmt.Errorf("at least one product is required")
	}
	products := make(map[string]Product, len(c.Products))
	for code, raw := range c.Products {
		p, err := raw.build(code)
		if err != nil {
			return err
		}
		products[code] = p
	}

	c.bands = bands
	c.products = products
	return nil
}

func (r rawProduct) build(code string) (Product, error) {
	p := Product{
		Code:                 code,
		MaxLTVPercent:        decimal.NewFromFloat(r.MaxLTVPercent),
		MarginCallThreshold:  decimal.NewFromFloat(r.MarginCallThreshold),
		LiquidationThreshold: decimal.NewFromFloat(r.LiquidationThreshold),
		MarginCallSLA:        time.Duration(r.MarginCallSLAHours) * time.Hour,
		NPAOverdueDays:       r.NPAOverdueDays,
		Charges: Charges{
			ForeclosureChargePercent: decimal.NewFromFloat(r.ForeclosureChargePercent),
			ProcessingFee:            decimal.NewFromFloat(r.ProcessingFee),
			TaxRatePercent:           decimal.NewFromFloat(r.TaxRate),
			Taxable:                  r.Taxable,
			DailyPenalRate:           decimal.NewFromFloat(r.DailyPenalRate),
			PenalMultiplier:          decimal.NewFromFloat(r.PenalMultiplier),
		},
	}

	switch {
	case !p.MaxLTVPercent.IsPositive():
		return p, fmt.Errorf("products.%s.max_ltv_percent must be positive", code)
	case p.MarginCallThreshold.LessThan(p.MaxLTVPercent):
		return p, fmt.Errorf("products.%s.margin_call_threshold must not be below max_ltv_percent", code)
	case !p.LiquidationThreshold.GreaterThan(p.MarginCallThreshold):
		return p, fmt.Errorf("products.%s.liquidation_threshold must exceed margin_call_threshold", code)
	case p.MarginCallSLA <= 0:
		return p, fmt.Errorf("products.%s.margin_call_sla_hours must be positive", code)
	case r.NPAOverdueDays < 0:
		return p, fmt.Errorf("products.%s.npa_overdue_days must not be negative", code)
	case p.Charges.ForeclosureChargePercent.IsNegative(),
		p.Charges.ProcessingFee.IsNegative(),
		p.Charges.TaxRatePercent.IsNegative(),
		p.Charges.DailyPenalRate.IsNegative(),
		p.Charges.PenalMultiplier.IsNegative():
		return p, fmt.Errorf("products.%s charges must not be negative", code)
	}
	return p, nil
}

// Bands returns the validated LTV bands
func (c *Config) Bands() Bands {
	return c.bands
}

// Product looks up a validated product by code
func (c *Config) Product(code string) (Product, error) {
	p, ok := c.products[code]
	if !ok {
		return Product{}, fmt.Errorf("%w: unknown product %q", types.ErrValidation, code)
	}
	return p, nil
}

// ProductCodes lists the configured products in a stable order
func (c *Config) ProductCodes() []string {
	codes := make([]string, 0, len(c.products))
	for code := range c.products {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// IsProduction reports whether the service runs with production logging
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
