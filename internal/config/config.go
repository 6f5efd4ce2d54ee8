package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/screener"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Binance  ExchangeConfig `mapstructure:"binance"`
	Bybit    ExchangeConfig `mapstructure:"bybit"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Screener ScreenerConfig `mapstructure:"screener"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// JWTSecret enables token auth on /api/* when set.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type ExchangeConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	APISecret         string  `mapstructure:"api_secret"`
	RESTURL           string  `mapstructure:"rest_url"`
	PublicWSURL       string  `mapstructure:"public_ws_url"`
	PrivateWSURL      string  `mapstructure:"private_ws_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	QuantityPlaces    int32   `mapstructure:"quantity_places"`
}

// HasCredentials reports whether both halves of the key pair are set.
func (e ExchangeConfig) HasCredentials() bool {
	return e.APIKey != "" && e.APISecret != ""
}

type StreamConfig struct {
	InitialReconnectDelay time.Duration `mapstructure:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `mapstructure:"max_reconnect_delay"`
	BackoffMultiplier     float64       `mapstructure:"backoff_multiplier"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	MaxEventAge           time.Duration `mapstructure:"max_event_age"`
}

type ScreenerConfig struct {
	Symbols         []string      `mapstructure:"symbols"`
	MinSpreadBps    float64       `mapstructure:"min_spread_bps"`
	FeeBps          float64       `mapstructure:"fee_bps"`
	SnapshotPath    string        `mapstructure:"snapshot_path"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	DefaultLimit    int           `mapstructure:"default_limit"`
}

type TradingConfig struct {
	DryRun               bool          `mapstructure:"dry_run"`
	AutoTrade            bool          `mapstructure:"auto_trade"`
	DefaultSizeBase      float64       `mapstructure:"default_size_base"`
	MaxSlippageBps       float64       `mapstructure:"max_slippage_bps"`
	MaxOpenOpportunities int           `mapstructure:"max_open_opportunities"`
	SizeFromCapital      bool          `mapstructure:"size_from_capital"`
	MaxTrades            int           `mapstructure:"max_trades"`
	CapitalPercentage    float64       `mapstructure:"capital_percentage"`
	PnlTargetBps         float64       `mapstructure:"pnl_target_bps"`
	PnlStopBps           float64       `mapstructure:"pnl_stop_bps"`
	MaxHold              time.Duration `mapstructure:"max_hold"`
	ExitOnFundingFlip    bool          `mapstructure:"exit_on_funding_flip"`
	BalancePollInterval  time.Duration `mapstructure:"balance_poll_interval"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	OrderTimeout         time.Duration `mapstructure:"order_timeout"`
	// PaperBalance is the wallet balance reported per exchange in dry run.
	PaperBalance float64 `mapstructure:"paper_balance"`
}

type JournalConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Channel  string `mapstructure:"channel"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fr-arb")
	}

	v.SetEnvPrefix("FRARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		applySecrets(ctx, &config, sm)
		logger.Info("Successfully loaded secrets from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 2*time.Hour)

	v.SetDefault("binance.api_key", "")
	v.SetDefault("binance.api_secret", "")
	v.SetDefault("binance.rest_url", "https://fapi.binance.com")
	v.SetDefault("binance.public_ws_url", "wss://fstream.binance.com/ws")
	v.SetDefault("binance.private_ws_url", "wss://fstream.binance.com/ws")
	v.SetDefault("binance.requests_per_second", 10)
	v.SetDefault("binance.quantity_places", 3)

	v.SetDefault("bybit.api_key", "")
	v.SetDefault("bybit.api_secret", "")
	v.SetDefault("bybit.rest_url", "https://api.bybit.com")
	v.SetDefault("bybit.public_ws_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("bybit.private_ws_url", "wss://stream.bybit.com/v5/private")
	v.SetDefault("bybit.requests_per_second", 10)
	v.SetDefault("bybit.quantity_places", 3)

	v.SetDefault("stream.initial_reconnect_delay", time.Second)
	v.SetDefault("stream.max_reconnect_delay", 30*time.Second)
	v.SetDefault("stream.backoff_multiplier", 2.0)
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.max_event_age", 60*time.Second)

	v.SetDefault("screener.symbols", screener.DefaultSymbols)
	v.SetDefault("screener.min_spread_bps", 0.0)
	v.SetDefault("screener.fee_bps", screener.DefaultFeeBps)
	v.SetDefault("screener.snapshot_path", screener.DefaultSnapshotPath)
	v.SetDefault("screener.persist_interval", screener.DefaultPersistInterval)
	v.SetDefault("screener.default_limit", 20)

	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.auto_trade", false)
	v.SetDefault("trading.default_size_base", 0.001)
	v.SetDefault("trading.max_slippage_bps", 10.0)
	v.SetDefault("trading.max_open_opportunities", 0)
	v.SetDefault("trading.size_from_capital", false)
	v.SetDefault("trading.max_trades", 3)
	v.SetDefault("trading.capital_percentage", 10.0)
	v.SetDefault("trading.pnl_target_bps", 20.0)
	v.SetDefault("trading.pnl_stop_bps", 30.0)
	v.SetDefault("trading.max_hold", 8*time.Hour)
	v.SetDefault("trading.exit_on_funding_flip", true)
	v.SetDefault("trading.balance_poll_interval", 30*time.Second)
	v.SetDefault("trading.sweep_interval", 5*time.Second)
	v.SetDefault("trading.order_timeout", 10*time.Second)
	v.SetDefault("trading.paper_balance", 10000.0)

	v.SetDefault("journal.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "")
	v.SetDefault("redis.channel", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.binance_api_key", secretNames.BinanceAPIKey)
	v.SetDefault("gcp.secret_names.binance_api_secret", secretNames.BinanceAPISecret)
	v.SetDefault("gcp.secret_names.bybit_api_key", secretNames.BybitAPIKey)
	v.SetDefault("gcp.secret_names.bybit_api_secret", secretNames.BybitAPISecret)
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)
	v.SetDefault("gcp.secret_names.journal_dsn", secretNames.JournalDSN)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}
	if apiKey := os.Getenv("BYBIT_API_KEY"); apiKey != "" {
		config.Bybit.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BYBIT_API_SECRET"); apiSecret != "" {
		config.Bybit.APISecret = apiSecret
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Server.JWTSecret = secret
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Journal.DSN = dsn
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// applySecrets fills only the values that are still empty.
func applySecrets(ctx context.Context, config *Config, src secrets.Source) {
	names := config.GCP.SecretNames
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = src.GetSecretWithDefault(ctx, name, "")
		}
	}

	fill(&config.Binance.APIKey, names.BinanceAPIKey)
	fill(&config.Binance.APISecret, names.BinanceAPISecret)
	fill(&config.Bybit.APIKey, names.BybitAPIKey)
	fill(&config.Bybit.APISecret, names.BybitAPISecret)
	fill(&config.Server.JWTSecret, names.JWTSecret)
	fill(&config.Journal.DSN, names.JournalDSN)
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Stream.InitialReconnectDelay > 0, "stream.initial_reconnect_delay must be positive")
	check(c.Stream.MaxReconnectDelay >= c.Stream.InitialReconnectDelay, "stream.max_reconnect_delay must be >= initial delay")
	check(c.Stream.BackoffMultiplier >= 1, "stream.backoff_multiplier must be >= 1")
	check(c.Screener.FeeBps >= 0, "screener.fee_bps must not be negative")
	check(c.Screener.MinSpreadBps >= 0, "screener.min_spread_bps must not be negative")
	check(c.Screener.DefaultLimit >= 1 && c.Screener.DefaultLimit <= 100, "screener.default_limit must be in [1,100]")
	check(c.Trading.CapitalPercentage > 0 && c.Trading.CapitalPercentage <= 100, "trading.capital_percentage must be in (0,100]")
	check(c.Trading.MaxTrades >= 1, "trading.max_trades must be at least 1")
	check(c.Trading.MaxOpenOpportunities >= 0, "trading.max_open_opportunities must not be negative")
	check(c.Trading.SizeFromCapital || c.Trading.DefaultSizeBase > 0, "trading.default_size_base must be positive")
	check(c.Trading.PnlTargetBps > 0, "trading.pnl_target_bps must be positive")
	check(c.Trading.PnlStopBps > 0, "trading.pnl_stop_bps must be positive")
	check(c.Trading.MaxSlippageBps >= 0, "trading.max_slippage_bps must not be negative")
	check(c.Trading.BalancePollInterval > 0, "trading.balance_poll_interval must be positive")
	check(c.Trading.SweepInterval > 0, "trading.sweep_interval must be positive")

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	if !c.Trading.DryRun {
		check(c.Binance.HasCredentials(), "binance credentials required when trading.dry_run is false")
		check(c.Bybit.HasCredentials(), "bybit credentials required when trading.dry_run is false")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
