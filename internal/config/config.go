package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the bot
type Config struct {
	// Broker API
	BrokerBaseURL string
	FeedURL       string
	ClientCode    string
	APIKey        string
	TOTP          string

	// Session
	TokenSkew    time.Duration
	LoginRetries int
	LoginBackoff time.Duration

	// Rate budgets (requests per second + burst) per endpoint class
	QuoteRPS    float64
	QuoteBurst  int
	ChainRPS    float64
	ChainBurst  int
	AuthRPS     float64
	AuthBurst   int
	MasterRPS   float64
	MasterBurst int

	// Gateway retries
	HTTPTimeout time.Duration
	MaxRetries  int
	BackoffBase time.Duration

	// Feed
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	TickBuffer   int

	// Instruments to trade
	Symbols []string

	// Strategy tuning (overridable via strategies.yaml)
	Strategy StrategyConfig

	// Mode
	DryRun bool
	Debug  bool

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Persistence
	DatabaseURL  string
	DatabasePath string

	// Metrics
	MetricsAddr string
}

// StrategyConfig groups buyer/seller/risk/exit thresholds. Built-in defaults,
// optionally overridden by a yaml tuning file.
type StrategyConfig struct {
	Buyer  EngineParams `yaml:"buyer"`
	Seller EngineParams `yaml:"seller"`
	Risk   RiskParams   `yaml:"risk"`
	Exit   ExitParams   `yaml:"exit"`
}

// Duration decodes yaml values like "30s" or "2h" via time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineParams tunes one signal engine. Buyer and seller are independent.
type EngineParams struct {
	MomentumThreshold decimal.Decimal `yaml:"momentum_threshold"`
	MomentumTicks     int             `yaml:"momentum_ticks"`
	MaxVolatility     float64         `yaml:"max_volatility"`
	WindowSize        int             `yaml:"window_size"`
	WindowMaxAge      Duration        `yaml:"window_max_age"`
}

// RiskParams tunes the safety gate.
type RiskParams struct {
	MaxSpreadPct      decimal.Decimal `yaml:"max_spread_pct"`
	MinVolume         int64           `yaml:"min_volume"`
	MaxPositions      int             `yaml:"max_positions"`
	MaxExposure       decimal.Decimal `yaml:"max_exposure"`
	Cooldown          Duration        `yaml:"cooldown"`
	VolatilityCeiling float64         `yaml:"volatility_ceiling"`
	Quantity          int             `yaml:"quantity"`
}

// ExitParams tunes the exit evaluator.
type ExitParams struct {
	TargetPct           decimal.Decimal `yaml:"target_pct"`
	StopPct             decimal.Decimal `yaml:"stop_pct"`
	TrailingEnabled     bool            `yaml:"trailing_enabled"`
	TrailingArmPct      decimal.Decimal `yaml:"trailing_arm_pct"`
	TrailingDistancePct decimal.Decimal `yaml:"trailing_distance_pct"`
	MaxHold             Duration        `yaml:"max_hold"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		BrokerBaseURL: getEnv("BROKER_BASE_URL", "https://apiconnect.broker.in"),
		FeedURL:       getEnv("BROKER_FEED_URL", "wss://feed.broker.in/stream"),
		ClientCode:    os.Getenv("BROKER_CLIENT_CODE"),
		APIKey:        os.Getenv("BROKER_API_KEY"),
		TOTP:          os.Getenv("BROKER_TOTP"),

		TokenSkew:    getEnvDuration("TOKEN_SKEW", 60*time.Second),
		LoginRetries: getEnvInt("LOGIN_RETRIES", 3),
		LoginBackoff: getEnvDuration("LOGIN_BACKOFF", 500*time.Millisecond),

		QuoteRPS:    getEnvFloat("QUOTE_RPS", 8),
		QuoteBurst:  getEnvInt("QUOTE_BURST", 8),
		ChainRPS:    getEnvFloat("CHAIN_RPS", 1),
		ChainBurst:  getEnvInt("CHAIN_BURST", 1),
		AuthRPS:     getEnvFloat("AUTH_RPS", 1),
		AuthBurst:   getEnvInt("AUTH_BURST", 1),
		MasterRPS:   getEnvFloat("MASTER_RPS", 0.2),
		MasterBurst: getEnvInt("MASTER_BURST", 1),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  getEnvInt("MAX_RETRIES", 3),
		BackoffBase: getEnvDuration("BACKOFF_BASE", 250*time.Millisecond),

		ReconnectMin: getEnvDuration("FEED_RECONNECT_MIN", time.Second),
		ReconnectMax: getEnvDuration("FEED_RECONNECT_MAX", 30*time.Second),
		TickBuffer:   getEnvInt("TICK_BUFFER", 1000),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabasePath: getEnv("DATABASE_PATH", "data/optionflow.db"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9102"),

		Strategy: DefaultStrategy(),
	}

	if symbols := os.Getenv("SYMBOLS"); symbols != "" {
		for _, s := range strings.Split(symbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Symbols = append(cfg.Symbols, s)
			}
		}
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if cfg.ClientCode == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("BROKER_CLIENT_CODE and BROKER_API_KEY are required")
	}

	if path := os.Getenv("STRATEGY_FILE"); path != "" {
		if err := cfg.Strategy.LoadFile(path); err != nil {
			return nil, fmt.Errorf("strategy file: %w", err)
		}
	}

	return cfg, nil
}

// DefaultStrategy returns the built-in tuning used when no yaml file is given.
func DefaultStrategy() StrategyConfig {
	return StrategyConfig{
		Buyer: EngineParams{
			MomentumThreshold: decimal.NewFromInt(5),
			MomentumTicks:     3,
			MaxVolatility:     0.05,
			WindowSize:        64,
			WindowMaxAge:      Duration(5 * time.Minute),
		},
		Seller: EngineParams{
			MomentumThreshold: decimal.NewFromInt(5),
			MomentumTicks:     3,
			MaxVolatility:     0.05,
			WindowSize:        64,
			WindowMaxAge:      Duration(5 * time.Minute),
		},
		Risk: RiskParams{
			MaxSpreadPct:      decimal.NewFromFloat(0.01),
			MinVolume:         100,
			MaxPositions:      3,
			MaxExposure:       decimal.NewFromInt(200000),
			Cooldown:          Duration(30 * time.Second),
			VolatilityCeiling: 0.08,
			Quantity:          1,
		},
		Exit: ExitParams{
			TargetPct:           decimal.NewFromFloat(0.10),
			StopPct:             decimal.NewFromFloat(0.05),
			TrailingEnabled:     true,
			TrailingArmPct:      decimal.NewFromFloat(0.05),
			TrailingDistancePct: decimal.NewFromFloat(0.03),
			MaxHold:             Duration(2 * time.Hour),
		},
	}
}

// LoadFile overlays thresholds from a yaml tuning file on top of the defaults.
func (s *StrategyConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, s)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
