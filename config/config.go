package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	ChainConfig        ChainConfig        `json:"chain"`
	OracleConfig       OracleConfig       `json:"oracle"`
	ReconcileConfig    ReconcileConfig    `json:"reconcile"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	VaultConfig        VaultConfig        `json:"vault"`
	MetricsConfig      MetricsConfig      `json:"metrics"`
	NotificationConfig NotificationConfig `json:"notification"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ChainConfig selects the RPC endpoint and the asset whose balance is tracked
type ChainConfig struct {
	RPCURL       string  `json:"rpc_url"`
	TokenAddress string  `json:"token_address"` // empty = native coin
	Decimals     int32   `json:"decimals"`
	RateLimitRPS float64 `json:"rate_limit_rps"`
	RateBurst    int     `json:"rate_burst"`

	// BreakerFailures consecutive RPC failures open the circuit; negative disables it
	BreakerFailures int           `json:"breaker_failures"`
	BreakerCooldown time.Duration `json:"breaker_cooldown"`
}

// OracleConfig holds balance cache settings
type OracleConfig struct {
	CacheTTL     time.Duration `json:"cache_ttl"`
	FetchTimeout time.Duration `json:"fetch_timeout"`
	StaleFactor  int           `json:"stale_factor"` // stale reads allowed up to StaleFactor * CacheTTL
}

// ReconcileConfig holds ledger sweeper settings
type ReconcileConfig struct {
	ReceiptTimeout        time.Duration `json:"receipt_timeout"`
	Concurrency           int           `json:"concurrency"`
	RequiredConfirmations uint64        `json:"required_confirmations"`
	BatchLimit            int           `json:"batch_limit"`
}

// SchedulerConfig holds periodic job settings
type SchedulerConfig struct {
	Enabled               bool          `json:"enabled"`
	EvaluationCron        string        `json:"evaluation_cron"`
	SweepCron             string        `json:"sweep_cron"`
	EvaluationConcurrency int           `json:"evaluation_concurrency"`
	EvaluationLockTTL     time.Duration `json:"evaluation_lock_ttl"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the chain credentials secret
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// NotificationConfig holds operator alert channels
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load reads .env (when present), then config.json, then applies environment overrides.
func Load() (*Config, error) {
	return LoadFrom("config.json")
}

// LoadFrom is Load with an explicit config file path.
func LoadFrom(filename string) (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := loadFromFile(filename)
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Chain config
	cfg.ChainConfig.RPCURL = getEnvOrDefault("CHAIN_RPC_URL", cfg.ChainConfig.RPCURL)
	cfg.ChainConfig.TokenAddress = getEnvOrDefault("CHAIN_TOKEN_ADDRESS", cfg.ChainConfig.TokenAddress)
	cfg.ChainConfig.Decimals = int32(getEnvIntOrDefault("CHAIN_TOKEN_DECIMALS", int(cfg.ChainConfig.Decimals)))
	cfg.ChainConfig.RateLimitRPS = getEnvFloatOrDefault("CHAIN_RATE_LIMIT_RPS", cfg.ChainConfig.RateLimitRPS)
	cfg.ChainConfig.RateBurst = getEnvIntOrDefault("CHAIN_RATE_BURST", cfg.ChainConfig.RateBurst)
	cfg.ChainConfig.BreakerFailures = getEnvIntOrDefault("CHAIN_BREAKER_FAILURES", cfg.ChainConfig.BreakerFailures)
	cfg.ChainConfig.BreakerCooldown = getEnvDurationOrDefault("CHAIN_BREAKER_COOLDOWN", cfg.ChainConfig.BreakerCooldown)

	// Oracle config
	cfg.OracleConfig.CacheTTL = getEnvDurationOrDefault("ORACLE_CACHE_TTL", cfg.OracleConfig.CacheTTL)
	cfg.OracleConfig.FetchTimeout = getEnvDurationOrDefault("ORACLE_FETCH_TIMEOUT", cfg.OracleConfig.FetchTimeout)
	cfg.OracleConfig.StaleFactor = getEnvIntOrDefault("ORACLE_STALE_FACTOR", cfg.OracleConfig.StaleFactor)

	// Reconcile config
	cfg.ReconcileConfig.ReceiptTimeout = getEnvDurationOrDefault("RECONCILE_RECEIPT_TIMEOUT", cfg.ReconcileConfig.ReceiptTimeout)
	cfg.ReconcileConfig.Concurrency = getEnvIntOrDefault("RECONCILE_CONCURRENCY", cfg.ReconcileConfig.Concurrency)
	cfg.ReconcileConfig.RequiredConfirmations = uint64(getEnvIntOrDefault("RECONCILE_REQUIRED_CONFIRMATIONS", int(cfg.ReconcileConfig.RequiredConfirmations)))
	cfg.ReconcileConfig.BatchLimit = getEnvIntOrDefault("RECONCILE_BATCH_LIMIT", cfg.ReconcileConfig.BatchLimit)

	// Scheduler config
	cfg.SchedulerConfig.Enabled = getEnvBoolOrDefault("SCHEDULER_ENABLED", cfg.SchedulerConfig.Enabled)
	cfg.SchedulerConfig.EvaluationCron = getEnvOrDefault("SCHEDULER_EVALUATION_CRON", cfg.SchedulerConfig.EvaluationCron)
	cfg.SchedulerConfig.SweepCron = getEnvOrDefault("SCHEDULER_SWEEP_CRON", cfg.SchedulerConfig.SweepCron)
	cfg.SchedulerConfig.EvaluationConcurrency = getEnvIntOrDefault("SCHEDULER_EVALUATION_CONCURRENCY", cfg.SchedulerConfig.EvaluationConcurrency)
	cfg.SchedulerConfig.EvaluationLockTTL = getEnvDurationOrDefault("SCHEDULER_EVALUATION_LOCK_TTL", cfg.SchedulerConfig.EvaluationLockTTL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsConfig.Enabled)
	cfg.MetricsConfig.Namespace = getEnvOrDefault("METRICS_NAMESPACE", cfg.MetricsConfig.Namespace)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
}

// applyDefaults fills every zero value left after file and env loading.
func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
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

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "continuity"
	}
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "continuity"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.DatabaseConfig.MaxConns == 0 {
		cfg.DatabaseConfig.MaxConns = 25
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.ChainConfig.Decimals == 0 {
		cfg.ChainConfig.Decimals = 18
	}
	if cfg.ChainConfig.RateBurst == 0 {
		cfg.ChainConfig.RateBurst = 10
	}
	if cfg.ChainConfig.BreakerFailures == 0 {
		cfg.ChainConfig.BreakerFailures = 5
	}
	if cfg.ChainConfig.BreakerCooldown == 0 {
		cfg.ChainConfig.BreakerCooldown = 30 * time.Second
	}

	if cfg.OracleConfig.CacheTTL == 0 {
		cfg.OracleConfig.CacheTTL = 60 * time.Second
	}
	if cfg.OracleConfig.FetchTimeout == 0 {
		cfg.OracleConfig.FetchTimeout = 10 * time.Second
	}
	if cfg.OracleConfig.StaleFactor == 0 {
		cfg.OracleConfig.StaleFactor = 5
	}

	if cfg.ReconcileConfig.ReceiptTimeout == 0 {
		cfg.ReconcileConfig.ReceiptTimeout = 10 * time.Second
	}
	if cfg.ReconcileConfig.Concurrency == 0 {
		cfg.ReconcileConfig.Concurrency = 8
	}
	if cfg.ReconcileConfig.RequiredConfirmations == 0 {
		cfg.ReconcileConfig.RequiredConfirmations = 1
	}
	if cfg.ReconcileConfig.BatchLimit == 0 {
		cfg.ReconcileConfig.BatchLimit = 500
	}

	if cfg.SchedulerConfig.EvaluationCron == "" {
		cfg.SchedulerConfig.EvaluationCron = "@every 15m"
	}
	if cfg.SchedulerConfig.SweepCron == "" {
		cfg.SchedulerConfig.SweepCron = "@every 1m"
	}
	if cfg.SchedulerConfig.EvaluationConcurrency == 0 {
		cfg.SchedulerConfig.EvaluationConcurrency = 8
	}
	if cfg.SchedulerConfig.EvaluationLockTTL == 0 {
		cfg.SchedulerConfig.EvaluationLockTTL = 30 * time.Second
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "continuity/chain"
	}

	if cfg.MetricsConfig.Namespace == "" {
		cfg.MetricsConfig.Namespace = "continuity"
	}
}

// Validate rejects settings that would break the oracle or sweeper contracts.
func (c *Config) Validate() error {
	if c.OracleConfig.CacheTTL < 0 || c.OracleConfig.FetchTimeout < 0 {
		return fmt.Errorf("oracle durations must be positive")
	}
	if c.OracleConfig.StaleFactor < 1 {
		return fmt.Errorf("oracle stale_factor must be >= 1, got %d", c.OracleConfig.StaleFactor)
	}
	if c.ReconcileConfig.Concurrency < 1 {
		return fmt.Errorf("reconcile concurrency must be >= 1, got %d", c.ReconcileConfig.Concurrency)
	}
	if c.SchedulerConfig.EvaluationConcurrency < 1 {
		return fmt.Errorf("scheduler evaluation_concurrency must be >= 1, got %d", c.SchedulerConfig.EvaluationConcurrency)
	}
	return nil
}

// StaleBound is how old a cached balance may be and still be served on a failed read.
func (c OracleConfig) StaleBound() time.Duration {
	return c.CacheTTL * time.Duration(c.StaleFactor)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
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

// GenerateSampleConfig writes a config file populated with defaults.
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.ChainConfig.RPCURL = "https://rpc.example.org"
	cfg.SchedulerConfig.Enabled = true
	cfg.MetricsConfig.Enabled = true

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sample config: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}
