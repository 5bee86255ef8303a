package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	TradesExecuted string `mapstructure:"trades_executed"`
	BookDeltas     string `mapstructure:"book_deltas"`
}

type KafkaConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Brokers []string    `mapstructure:"brokers"`
	Topics  KafkaTopics `mapstructure:"topics"`
}

type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
	LeaseKey   string        `mapstructure:"lease_key"`
	HolderName string        `mapstructure:"holder_name"`
}

type EngineConfig struct {
	MarketBuySlippageBps int           `mapstructure:"market_buy_slippage_bps"`
	SelfTradeExemptUsers []int64       `mapstructure:"self_trade_exempt_users"`
	TakerFeeBps          int           `mapstructure:"taker_fee_bps"`
	OrderMaxAge          time.Duration `mapstructure:"order_max_age"`
	ExpirySweepInterval  time.Duration `mapstructure:"expiry_sweep_interval"`
}

type SymbolConfig struct {
	Name              string `mapstructure:"name"`
	BaseAsset         string `mapstructure:"base_asset"`
	QuoteAsset        string `mapstructure:"quote_asset"`
	PricePrecision    int32  `mapstructure:"price_precision"`
	QuantityPrecision int32  `mapstructure:"quantity_precision"`
}

type Config struct {
	App     AppConfig      `mapstructure:"app"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Redis   RedisConfig    `mapstructure:"redis"`
	DB      DBConfig       `mapstructure:"db"`
	Kafka   KafkaConfig    `mapstructure:"kafka"`
	Sync    SyncConfig     `mapstructure:"sync"`
	Engine  EngineConfig   `mapstructure:"engine"`
	Symbols []SymbolConfig `mapstructure:"symbols"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("CEX_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Symbols) == 0 {
		cfg.Symbols = defaultSymbols()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.service_name", "tradecore")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "tradecore")
	v.SetDefault("db.user", "tradecore")
	v.SetDefault("db.password", "tradecore")
	v.SetDefault("db.ssl_mode", "disable")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.trades_executed", "trades.executed")
	v.SetDefault("kafka.topics.book_deltas", "book.deltas")
	v.SetDefault("sync.interval", "1s")
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.lease_ttl", "10s")
	v.SetDefault("sync.lease_key", "cex:sync:lease")
	v.SetDefault("sync.holder_name", "")
	v.SetDefault("engine.market_buy_slippage_bps", 50)
	v.SetDefault("engine.taker_fee_bps", 20)
	v.SetDefault("engine.order_max_age", "0")
	v.SetDefault("engine.expiry_sweep_interval", "1m")
}

func defaultSymbols() []SymbolConfig {
	return []SymbolConfig{
		{Name: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT", PricePrecision: 2, QuantityPrecision: 5},
		{Name: "ETH-USDT", BaseAsset: "ETH", QuoteAsset: "USDT", PricePrecision: 2, QuantityPrecision: 4},
	}
}
