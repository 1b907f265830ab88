package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Strategies           []StrategyConfig                 `json:"strategies"`
	InstrumentClasses    map[string]InstrumentClassConfig `json:"instrument_classes"`
	SchedulerConfig      SchedulerConfig                  `json:"scheduler"`
	OrderConfig          OrderConfig                      `json:"orders"`
	ProtectionConfig     ProtectionConfig                 `json:"protection"`
	DefenseConfig        DefenseConfig                    `json:"defense"`
	CircuitBreakerConfig CircuitBreakerConfig             `json:"circuit_breaker"`
	RetryConfig          RetryConfig                      `json:"retry"`
	BrokerConfig         BrokerConfig                     `json:"broker"`
	LoggingConfig        LoggingConfig                    `json:"logging"`
	ServerConfig         ServerConfig                     `json:"server"`
	AuthConfig           AuthConfig                       `json:"auth"`
	VaultConfig          VaultConfig                      `json:"vault"`
	RedisConfig          RedisConfig                      `json:"redis"`
	DatabaseConfig       DatabaseConfig                   `json:"database"`
	NotificationConfig   NotificationConfig               `json:"notification"`
}

// StrategyConfig describes one automated strategy and its capital budget
type StrategyConfig struct {
	ID                     int64      `json:"id"`
	Name                   string     `json:"name"`
	Type                   string     `json:"type"`
	Enabled                bool       `json:"enabled"`
	InstrumentClass        string     `json:"instrument_class"`
	Instruments            []string   `json:"instruments"`
	Budget                 float64    `json:"budget"`
	MaxPerInstrument       float64    `json:"max_per_instrument"`       // 0 = budget / max_concurrent_positions
	MaxConcurrentPositions int        `json:"max_concurrent_positions"` // used for the per-instrument cap
	OptionSide             string     `json:"option_side"`              // BUYER or SELLER, time-bound classes only
	AllowShort             bool       `json:"allow_short"`
	Risk                   RiskLimits `json:"risk"`
}

// RiskLimits are per-strategy loss limits feeding the circuit breaker
type RiskLimits struct {
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyLossPercent  float64 `json:"max_daily_loss_percent"` // of budget
}

// InstrumentClassConfig declares behaviour shared by a family of instruments.
// MultiLot is the only switch that lets a HOLDING anchor open sibling lots.
type InstrumentClassConfig struct {
	TickIntervalSec int     `json:"tick_interval_sec"`
	MultiLot        bool    `json:"multi_lot"`
	TimeBound       bool    `json:"time_bound"`
	FixedBudget     bool    `json:"fixed_budget"`
	Multiplier      float64 `json:"multiplier"`
	Market          string  `json:"market"` // US, HK, CN; empty = infer from symbol suffix
	MaxLots         int     `json:"max_lots"`
}

type SchedulerConfig struct {
	DefaultTickIntervalSec int `json:"default_tick_interval_sec"`
	BatchSize              int `json:"batch_size"`
	BatchPauseMs           int `json:"batch_pause_ms"`
	StaleTransientMinutes  int `json:"stale_transient_minutes"`
}

type OrderConfig struct {
	PollIntervalSec int `json:"poll_interval_sec"`
	DedupTTLSec     int `json:"dedup_ttl_sec"`
}

type ProtectionConfig struct {
	Enabled                bool    `json:"enabled"`
	DefaultTrailingPercent float64 `json:"default_trailing_percent"`
	MinTrailingPercent     float64 `json:"min_trailing_percent"`
	MaxTrailingPercent     float64 `json:"max_trailing_percent"`
	AdjustThresholdPercent float64 `json:"adjust_threshold_percent"`
	LimitOffset            float64 `json:"limit_offset"`
	FailureThreshold       int     `json:"failure_threshold"`
	RetryDelaySec          int     `json:"retry_delay_sec"`
	EmergencyStopFraction  float64 `json:"emergency_stop_fraction"`
	CancelRecheckDelayMs   int     `json:"cancel_recheck_delay_ms"`
}

type DefenseConfig struct {
	SweepIntervalSec      int     `json:"sweep_interval_sec"`
	ShadowPriceFloor      float64 `json:"shadow_price_floor"` // fraction of entry price
	WatchdogEnabled       bool    `json:"watchdog_enabled"`
	WatchdogWindowStart   string  `json:"watchdog_window_start"` // HH:MM exchange time
	WatchdogWindowEnd     string  `json:"watchdog_window_end"`
	WatchdogMaxRetries    int     `json:"watchdog_max_retries"`
	WatchdogRetryDelaySec int     `json:"watchdog_retry_delay_sec"`
}

// CircuitBreakerConfig holds strategy breaker configuration
type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyLossPercent  float64 `json:"max_daily_loss_percent"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	TightenPercent       float64 `json:"tighten_percent"` // trailing % applied to live positions on trip
}

type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts"`
	BaseDelayMs    int     `json:"base_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms"`
	Factor         float64 `json:"factor"`
	Jitter         bool    `json:"jitter"`
	CallTimeoutSec int     `json:"call_timeout_sec"`
}

type BrokerConfig struct {
	Mode      string  `json:"mode"` // paper or live
	BaseURL   string  `json:"base_url"`
	AppKey    string  `json:"app_key"`
	AppSecret string  `json:"app_secret"`
	PaperCash float64 `json:"paper_cash"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds ops API configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig protects the mutating ops endpoints
type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
	OperatorName         string        `json:"operator_name"`
	OperatorPasswordHash string        `json:"operator_password_hash"` // bcrypt
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount
	SecretPath string `json:"secret_path"` // path under the mount
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for instance state and dedup keys
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NotificationConfig routes operator alerts to chat webhooks
type NotificationConfig struct {
	Enabled       bool           `json:"enabled"`
	TradeClosures bool           `json:"trade_closures"` // also alert on every closed trade
	Telegram      TelegramConfig `json:"telegram"`
	Discord       DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Environment variables take precedence
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Broker
	cfg.BrokerConfig.Mode = getEnvOrDefault("BROKER_MODE", cfg.BrokerConfig.Mode)
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.PaperCash = getEnvFloatOrDefault("BROKER_PAPER_CASH", cfg.BrokerConfig.PaperCash)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orDefault(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orDefault(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", strconv.FormatBool(cfg.LoggingConfig.JSONFormat)) == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("OPS_API_ENABLED", strconv.FormatBool(cfg.ServerConfig.Enabled)) == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", strconv.FormatBool(cfg.AuthConfig.Enabled)) == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)
	cfg.AuthConfig.OperatorName = getEnvOrDefault("AUTH_OPERATOR_NAME", cfg.AuthConfig.OperatorName)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", strconv.FormatBool(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orDefault(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orDefault(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orDefault(cfg.VaultConfig.SecretPath, "quant-engine/broker"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", strconv.FormatBool(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", orDefault(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", strconv.FormatBool(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orDefault(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orDefault(cfg.DatabaseConfig.User, "quant"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", orDefault(cfg.DatabaseConfig.Database, "quant"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orDefault(cfg.DatabaseConfig.SSLMode, "disable"))

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFY_ENABLED", strconv.FormatBool(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", "true") == "true"
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.CircuitBreakerConfig.MaxConsecutiveLosses)
	cfg.CircuitBreakerConfig.MaxDailyLossPercent = getEnvFloatOrDefault("CIRCUIT_MAX_DAILY_LOSS_PERCENT", cfg.CircuitBreakerConfig.MaxDailyLossPercent)
	cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.CircuitBreakerConfig.CooldownMinutes)
}

func applyDefaults(cfg *Config) {
	if cfg.BrokerConfig.Mode == "" {
		cfg.BrokerConfig.Mode = "paper"
	}
	if cfg.BrokerConfig.PaperCash == 0 {
		cfg.BrokerConfig.PaperCash = 100000
	}

	s := &cfg.SchedulerConfig
	if s.DefaultTickIntervalSec <= 0 {
		s.DefaultTickIntervalSec = 60
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 5
	}
	if s.BatchPauseMs <= 0 {
		s.BatchPauseMs = 200
	}
	if s.StaleTransientMinutes <= 0 {
		s.StaleTransientMinutes = 15
	}

	if cfg.OrderConfig.PollIntervalSec <= 0 {
		cfg.OrderConfig.PollIntervalSec = 30
	}
	if cfg.OrderConfig.DedupTTLSec <= 0 {
		cfg.OrderConfig.DedupTTLSec = 60
	}

	p := &cfg.ProtectionConfig
	if p.DefaultTrailingPercent <= 0 {
		p.DefaultTrailingPercent = 60
	}
	if p.MinTrailingPercent <= 0 {
		p.MinTrailingPercent = 8
	}
	if p.MaxTrailingPercent <= 0 {
		p.MaxTrailingPercent = 65
	}
	if p.AdjustThresholdPercent <= 0 {
		p.AdjustThresholdPercent = 3
	}
	if p.LimitOffset <= 0 {
		p.LimitOffset = 0.10
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	if p.RetryDelaySec <= 0 {
		p.RetryDelaySec = 30
	}
	if p.EmergencyStopFraction <= 0 {
		p.EmergencyStopFraction = 0.5
	}
	if p.CancelRecheckDelayMs <= 0 {
		p.CancelRecheckDelayMs = 500
	}

	d := &cfg.DefenseConfig
	if d.SweepIntervalSec <= 0 {
		d.SweepIntervalSec = 120
	}
	if d.ShadowPriceFloor <= 0 {
		d.ShadowPriceFloor = 0.10
	}
	if d.WatchdogWindowStart == "" {
		d.WatchdogWindowStart = "15:00"
	}
	if d.WatchdogWindowEnd == "" {
		d.WatchdogWindowEnd = "16:00"
	}
	if d.WatchdogMaxRetries <= 0 {
		d.WatchdogMaxRetries = 3
	}
	if d.WatchdogRetryDelaySec <= 0 {
		d.WatchdogRetryDelaySec = 10
	}

	cb := &cfg.CircuitBreakerConfig
	if cb.MaxConsecutiveLosses <= 0 {
		cb.MaxConsecutiveLosses = 5
	}
	if cb.MaxDailyLossPercent <= 0 {
		cb.MaxDailyLossPercent = 5
	}
	if cb.CooldownMinutes <= 0 {
		cb.CooldownMinutes = 30
	}
	if cb.TightenPercent <= 0 {
		cb.TightenPercent = 10
	}

	r := &cfg.RetryConfig
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = 200
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 5000
	}
	if r.Factor <= 1 {
		r.Factor = 2
	}
	if r.CallTimeoutSec <= 0 {
		r.CallTimeoutSec = 10
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8090
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
	if cfg.AuthConfig.AccessTokenDuration == 0 {
		cfg.AuthConfig.AccessTokenDuration = 15 * time.Minute
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}

	if cfg.InstrumentClasses == nil {
		cfg.InstrumentClasses = make(map[string]InstrumentClassConfig)
	}
	if _, ok := cfg.InstrumentClasses["equity"]; !ok {
		cfg.InstrumentClasses["equity"] = InstrumentClassConfig{TickIntervalSec: 60, Multiplier: 1}
	}
	if _, ok := cfg.InstrumentClasses["option_0dte"]; !ok {
		cfg.InstrumentClasses["option_0dte"] = InstrumentClassConfig{
			TickIntervalSec: 15,
			MultiLot:        true,
			TimeBound:       true,
			FixedBudget:     true,
			Multiplier:      100,
			Market:          "US",
			MaxLots:         3,
		}
	}

	for i := range cfg.Strategies {
		st := &cfg.Strategies[i]
		if st.InstrumentClass == "" {
			st.InstrumentClass = "equity"
		}
		if st.MaxConcurrentPositions <= 0 {
			st.MaxConcurrentPositions = len(st.Instruments)
			if st.MaxConcurrentPositions == 0 {
				st.MaxConcurrentPositions = 1
			}
		}
		if st.OptionSide == "" {
			st.OptionSide = "BUYER"
		}
		if st.Risk.MaxConsecutiveLosses <= 0 {
			st.Risk.MaxConsecutiveLosses = cb.MaxConsecutiveLosses
		}
		if st.Risk.MaxDailyLossPercent <= 0 {
			st.Risk.MaxDailyLossPercent = cb.MaxDailyLossPercent
		}
	}
}

// Validate checks strategy definitions reference known classes and budgets
func (c *Config) Validate() error {
	seen := make(map[int64]bool)
	for _, st := range c.Strategies {
		if st.ID <= 0 {
			return fmt.Errorf("strategy %q: id must be positive", st.Name)
		}
		if seen[st.ID] {
			return fmt.Errorf("strategy %d: duplicate id", st.ID)
		}
		seen[st.ID] = true
		if st.Budget <= 0 {
			return fmt.Errorf("strategy %d: budget must be positive", st.ID)
		}
		if _, ok := c.InstrumentClasses[st.InstrumentClass]; !ok {
			return fmt.Errorf("strategy %d: unknown instrument class %q", st.ID, st.InstrumentClass)
		}
	}
	if c.BrokerConfig.Mode != "paper" && c.BrokerConfig.Mode != "live" {
		return fmt.Errorf("broker mode must be paper or live, got %q", c.BrokerConfig.Mode)
	}
	return nil
}

// ErrUnknownStrategy is returned by Strategy for ids not present in config
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy returns the strategy with the given id
func (c *Config) Strategy(id int64) (StrategyConfig, error) {
	for _, st := range c.Strategies {
		if st.ID == id {
			return st, nil
		}
	}
	return StrategyConfig{}, fmt.Errorf("%w: %d", ErrUnknownStrategy, id)
}

// Class returns the instrument class for a strategy
func (c *Config) Class(st StrategyConfig) InstrumentClassConfig {
	return c.InstrumentClasses[st.InstrumentClass]
}

// TickInterval returns the decision tick interval for a strategy
func (c *Config) TickInterval(st StrategyConfig) time.Duration {
	if cls, ok := c.InstrumentClasses[st.InstrumentClass]; ok && cls.TickIntervalSec > 0 {
		return time.Duration(cls.TickIntervalSec) * time.Second
	}
	return time.Duration(c.SchedulerConfig.DefaultTickIntervalSec) * time.Second
}

// PerInstrumentCap is the largest single reservation a strategy may hold on one instrument
func (st StrategyConfig) PerInstrumentCap() float64 {
	if st.MaxPerInstrument > 0 {
		return st.MaxPerInstrument
	}
	if st.MaxConcurrentPositions > 0 {
		return st.Budget / float64(st.MaxConcurrentPositions)
	}
	return st.Budget
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func orDefault(value, defaultValue string) string {
	if value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
