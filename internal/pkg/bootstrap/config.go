package bootstrap

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigFile 指定配置文件路径
	EnvConfigFile = "CONFIG_FILE"
	// DefaultConfigFile 是未指定路径时读取的文件，文件不存在时只使用默认值和环境变量
	DefaultConfigFile = "configs/inventory-service.yaml"
	// envPrefix 是环境变量覆盖的前缀，如 FLASHSALE_INFRA_REDIS_ADDRS
	envPrefix = "FLASHSALE"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Infra       InfraConfig       `yaml:"infra"`
	FlashSale   FlashSaleConfig   `yaml:"flashsale"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Consumers   ConsumersConfig   `yaml:"consumers"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level" split_words:"true"`
	LogPretty bool   `yaml:"log_pretty" split_words:"true"`
}

type InfraConfig struct {
	Redis  RedisConfig  `yaml:"redis"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Jaeger JaegerConfig `yaml:"jaeger"`
	Nacos  NacosConfig  `yaml:"nacos"`
	MySQL  MySQLConfig  `yaml:"mysql"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"` // 逗号分隔，多个地址时使用集群客户端
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" split_words:"true"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs" split_words:"true"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

type MySQLConfig struct {
	DSN          string `yaml:"dsn"` // 为空时不启动流水投影
	MaxOpenConns int    `yaml:"max_open_conns" split_words:"true"`
}

type FlashSaleConfig struct {
	HashTag        string        `yaml:"hash_tag" split_words:"true"`
	ReservationTTL time.Duration `yaml:"reservation_ttl" split_words:"true"`
	PaymentTimeout time.Duration `yaml:"payment_timeout" split_words:"true"`
	PurchasePolicy string        `yaml:"purchase_policy" split_words:"true"` // CEL 表达式，为空时不限制
	RetryAfter     time.Duration `yaml:"retry_after" split_words:"true"`
}

type OutboxConfig struct {
	Embedded            bool          `yaml:"embedded"` // 在 inventory-service 进程内同时运行 relay
	Group               string        `yaml:"group"`
	Consumer            string        `yaml:"consumer"` // 为空时自动生成 <hostname>-<短 uuid>
	BatchSize           int64         `yaml:"batch_size" split_words:"true"`
	ReadBlock           time.Duration `yaml:"read_block" split_words:"true"`
	ReclaimInterval     time.Duration `yaml:"reclaim_interval" split_words:"true"`
	StaleThreshold      time.Duration `yaml:"stale_threshold" split_words:"true"`
	ReclaimBatchSize    int64         `yaml:"reclaim_batch_size" split_words:"true"`
	LocalRetryIdle      time.Duration `yaml:"local_retry_idle" split_words:"true"`
	LocalRetryBatchSize int64         `yaml:"local_retry_batch_size" split_words:"true"`
	MaxAttempts         int           `yaml:"max_attempts" split_words:"true"`
	BackoffBase         time.Duration `yaml:"backoff_base" split_words:"true"`
	BackoffCap          time.Duration `yaml:"backoff_cap" split_words:"true"`
	MaxInFlight         int64         `yaml:"max_in_flight" split_words:"true"`
	SendTimeout         time.Duration `yaml:"send_timeout" split_words:"true"`
	StatsInterval       time.Duration `yaml:"stats_interval" split_words:"true"`
	RetryStateTTL       time.Duration `yaml:"retry_state_ttl" split_words:"true"`
}

type IdempotencyConfig struct {
	Namespace     string        `yaml:"namespace"`
	KeyPrefix     string        `yaml:"key_prefix" split_words:"true"`
	ProcessingTTL time.Duration `yaml:"processing_ttl" split_words:"true"`
	DoneTTL       time.Duration `yaml:"done_ttl" split_words:"true"`
}

type CatalogConfig struct {
	BaseURL     string        `yaml:"base_url" split_words:"true"`
	ServiceName string        `yaml:"service_name" split_words:"true"` // BaseURL 为空时通过 Nacos 发现
	Timeout     time.Duration `yaml:"timeout"`
	// 两者都为空时使用固定价格，便于压测
	StaticPriceCents int64  `yaml:"static_price_cents" split_words:"true"`
	Currency         string `yaml:"currency"`
}

type ConsumersConfig struct {
	RetryDelay time.Duration  `yaml:"retry_delay" split_words:"true"`
	Release    ConsumerConfig `yaml:"release"`
	Ledger     ConsumerConfig `yaml:"ledger"`
	DLQ        ConsumerConfig `yaml:"dlq"`
}

type ConsumerConfig struct {
	Enabled bool   `yaml:"enabled"`
	GroupID string `yaml:"group_id" split_words:"true"`
}

// DefaultConfig 返回代码内置的默认值。
func DefaultConfig() Config {
	return Config{
		App: AppConfig{Name: "inventory-service", Port: 8082, LogLevel: "info"},
		Infra: InfraConfig{
			Redis:  RedisConfig{Addrs: "localhost:6379"},
			Kafka:  KafkaConfig{Brokers: []string{"localhost:9092"}},
			Jaeger: JaegerConfig{SampleRatio: 1},
			Nacos:  NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP"},
			MySQL:  MySQLConfig{MaxOpenConns: 20},
		},
		FlashSale: FlashSaleConfig{
			HashTag:        "fs",
			ReservationTTL: 15 * time.Minute,
			PaymentTimeout: 5 * time.Minute,
			PurchasePolicy: "qty == 1",
			RetryAfter:     time.Second,
		},
		Outbox: OutboxConfig{
			Embedded:            true,
			Group:               "outbox-relay",
			BatchSize:           100,
			ReadBlock:           2 * time.Second,
			ReclaimInterval:     5 * time.Second,
			StaleThreshold:      60 * time.Second,
			ReclaimBatchSize:    100,
			LocalRetryIdle:      5 * time.Second,
			LocalRetryBatchSize: 100,
			MaxAttempts:         10,
			BackoffBase:         500 * time.Millisecond,
			BackoffCap:          60 * time.Second,
			MaxInFlight:         64,
			SendTimeout:         10 * time.Second,
			StatsInterval:       5 * time.Second,
			RetryStateTTL:       7 * 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			Namespace:     "inventory",
			KeyPrefix:     "idem:fs",
			ProcessingTTL: 90 * time.Second,
			DoneTTL:       2 * time.Hour,
		},
		Catalog: CatalogConfig{Timeout: 800 * time.Millisecond, StaticPriceCents: 100, Currency: "CNY"},
		Consumers: ConsumersConfig{
			RetryDelay: time.Second,
			Release:    ConsumerConfig{Enabled: true, GroupID: "inventory-release"},
			Ledger:     ConsumerConfig{Enabled: true, GroupID: "inventory-ledger"},
			DLQ:        ConsumerConfig{Enabled: true, GroupID: "inventory-dlq-monitor"},
		},
	}
}

// Validate 拒绝互相矛盾或无意义的参数。
func (c Config) Validate() error {
	switch {
	case c.App.Name == "":
		return errors.New("app.name is required")
	case c.App.Port <= 0 || c.App.Port > 65535:
		return errors.Errorf("app.port %d out of range", c.App.Port)
	case c.Infra.Redis.Addrs == "":
		return errors.New("infra.redis.addrs is required")
	case len(c.Infra.Kafka.Brokers) == 0:
		return errors.New("infra.kafka.brokers is required")
	case c.Outbox.MaxInFlight < 1:
		return errors.Errorf("outbox.max_in_flight must be at least 1, got %d", c.Outbox.MaxInFlight)
	case c.Outbox.MaxAttempts < 1:
		return errors.Errorf("outbox.max_attempts must be at least 1, got %d", c.Outbox.MaxAttempts)
	case c.Outbox.LocalRetryIdle >= c.Outbox.StaleThreshold:
		return errors.Errorf("outbox.local_retry_idle (%s) must be shorter than outbox.stale_threshold (%s)",
			c.Outbox.LocalRetryIdle, c.Outbox.StaleThreshold)
	case c.Outbox.BackoffBase <= 0 || c.Outbox.BackoffCap < c.Outbox.BackoffBase:
		return errors.New("outbox backoff requires 0 < backoff_base <= backoff_cap")
	case c.Idempotency.ProcessingTTL <= 0 || c.Idempotency.DoneTTL <= 0:
		return errors.New("idempotency ttls must be positive")
	case c.FlashSale.PaymentTimeout <= 0 || c.FlashSale.ReservationTTL < c.FlashSale.PaymentTimeout:
		return errors.New("flashsale.reservation_ttl must cover flashsale.payment_timeout")
	}
	return nil
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回最近一次 LoadConfig 的结果，尚未加载时返回默认值。
func GetCurrentConfig() *Config {
	if c := currentConfig.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	return &d
}

// LoadConfig 依次应用默认值、YAML 文件、.env 与环境变量，校验后保存为当前配置。
// path 为空时读取 CONFIG_FILE，再退回 DefaultConfigFile。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigFile)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultConfigFile
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	// .env 不存在不是错误
	_ = godotenv.Load()
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	currentConfig.Store(&cfg)
	return &cfg, nil
}
