// Package config 載入服務配置。
//
// 載入順序（後者覆蓋前者）：
//  1. Default() 的預設值
//  2. YAML 配置檔
//  3. 環境變數（前綴 MLC_，例如 MLC_REDIS_ADDR、MLC_SERVER_PORT）
//
// 每個快取名稱的策略寫在 cache.caches 底下，未指定的欄位沿用 cache.defaults：
//
//	cache:
//	  defaults:
//	    local_ttl: 60s
//	    remote_ttl: 5m
//	  caches:
//	    users:
//	      local_capacity: 5000
//	      allow_null_value: true
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
)

// EnvPrefix 是環境變數前綴
const EnvPrefix = "MLC_"

// Config 整個應用的配置
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig HTTP 伺服器配置
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig 二級快取配置
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// KeyPrefix 是所有快取 key 的前綴
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// OpTimeout 是單一快取操作的逾時，超過視為故障
	OpTimeout time.Duration `yaml:"op_timeout" env:"OP_TIMEOUT"`
}

// PostgresConfig 資料庫配置（示範資料與策略表）
type PostgresConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname" env:"DBNAME"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int32  `yaml:"min_conns" env:"MIN_CONNS"`
}

// CacheConfig 快取策略與本地層配置
type CacheConfig struct {
	// Defaults 是所有快取名稱的預設策略
	Defaults policy.Config `yaml:"defaults"`

	// Caches 是個別快取名稱的覆寫，透過 Policies() 合併 Defaults
	Caches map[string]yaml.Node `yaml:"caches"`

	// PolicySource 為 "static"（只用配置檔）或 "postgres"（先查 cache_policies 表）
	PolicySource string `yaml:"policy_source" env:"POLICY_SOURCE"`

	LocalShards   int           `yaml:"local_shards" env:"LOCAL_SHARDS"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level     string `yaml:"level" env:"LEVEL"`
	Format    string `yaml:"format" env:"FORMAT"`
	Output    string `yaml:"output" env:"OUTPUT"`
	AddSource bool   `yaml:"add_source" env:"ADD_SOURCE"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 100 * time.Millisecond
	cfg.Redis.WriteTimeout = 100 * time.Millisecond
	cfg.Redis.KeyPrefix = "mlc:"
	cfg.Redis.OpTimeout = 200 * time.Millisecond

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "cache"
	cfg.Postgres.SSLMode = "disable"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Cache.Defaults = policy.Default("")
	cfg.Cache.PolicySource = "static"
	cfg.Cache.LocalShards = 16
	cfg.Cache.SweepInterval = time.Minute

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.Output = "stdout"

	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	return cfg
}

// Load 載入配置：預設值 → YAML（path 為空時略過）→ 環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	switch c.Cache.PolicySource {
	case "static", "postgres":
	default:
		errs = append(errs, fmt.Errorf("cache.policy_source must be static or postgres, got %q", c.Cache.PolicySource))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}

	defaults := c.Cache.Defaults
	defaults.CacheName = "defaults"
	if err := defaults.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Cache.Policies(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Policies 返回每個快取名稱的策略：以 Defaults 為底，再套用該名稱的設定。
func (c CacheConfig) Policies() (map[string]policy.Config, error) {
	out := make(map[string]policy.Config, len(c.Caches))
	for name, node := range c.Caches {
		cfg := c.Defaults
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("cache.caches.%s: %w", name, err)
		}
		cfg.CacheName = name
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     c.Postgres.Host + ":" + strconv.Itoa(c.Postgres.Port),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: url.Values{"sslmode": {c.Postgres.SSLMode}}.Encode(),
	}
	return u.String()
}
