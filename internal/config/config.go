package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构体（完全匹配config.yaml）
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`      // 服务器配置
	Database    DatabaseConfig    `mapstructure:"database"`    // PostgreSQL配置
	Stripe      StripeConfig      `mapstructure:"stripe"`      // 支付处理方配置
	Cache       CacheConfig       `mapstructure:"cache"`       // 进程内缓存配置
	NATS        NATSConfig        `mapstructure:"nats"`        // 变更通知配置
	Aggregation AggregationConfig `mapstructure:"aggregation"` // 战绩聚合配置
	Log         LogConfig         `mapstructure:"log"`         // 日志配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`           // 服务端口
	Mode         string `mapstructure:"mode"`           // Gin运行模式：debug/release/test
	AdminToken   string `mapstructure:"admin_token"`    // 管理接口令牌（X-Admin-Token）
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"` // webhook 请求体上限

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 读取请求超时
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 写回响应超时，须大于账本事务超时
}

// DatabaseConfig PostgreSQL数据库配置
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`               // 连接DSN（URL 形式）
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大存活时间
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`        // 单个账本事务超时，超时的事件记为未决
}

// StripeConfig 支付处理方（Stripe）配置
type StripeConfig struct {
	SecretKey             string `mapstructure:"secret_key"`              // API 密钥
	WebhookSecret         string `mapstructure:"webhook_secret"`          // webhook 签名共享密钥
	APIBaseURL            string `mapstructure:"api_base_url"`            // API 地址，为空时使用官方地址
	TimeoutMs             int    `mapstructure:"timeout_ms"`              // 外部查询超时（毫秒）
	SignatureToleranceSec int    `mapstructure:"signature_tolerance_sec"` // 签名时间戳容忍窗口（秒）
	Proxy                 string `mapstructure:"proxy"`                   // 代理地址
}

// CacheConfig 缓存配置
type CacheConfig struct {
	IdempotencySize   int           `mapstructure:"idempotency_size"`    // 已处理事件热缓存容量
	DashboardLinkSize int           `mapstructure:"dashboard_link_size"` // 后台登录链接缓存容量
	DashboardLinkTTL  time.Duration `mapstructure:"dashboard_link_ttl"`  // 后台登录链接有效期
}

// NATSConfig 权益变更通知配置，URL 为空时不发布
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// AggregationConfig 战绩批量重算配置
type AggregationConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 并发重算的 capper 数
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug/info/warn/error
	Format string `mapstructure:"format"` // json/text
}

// Timeout 外部查询超时
func (s StripeConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// SignatureTolerance 签名时间戳容忍窗口
func (s StripeConfig) SignatureTolerance() time.Duration {
	return time.Duration(s.SignatureToleranceSec) * time.Second
}

// Default 默认配置，config.yaml 中缺省的字段以此为准
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Mode:         "release",
			MaxBodyBytes: 65536,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			TxTimeout:       5 * time.Second,
		},
		Stripe: StripeConfig{
			TimeoutMs:             5000,
			SignatureToleranceSec: 300,
		},
		Cache: CacheConfig{
			IdempotencySize:   10000,
			DashboardLinkSize: 1024,
			DashboardLinkTTL:  4 * time.Minute,
		},
		NATS: NATSConfig{
			Stream:        "CAPPER_ENTITLEMENTS",
			SubjectPrefix: "capper.entitlements",
		},
		Aggregation: AggregationConfig{
			Concurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig 加载配置文件（config/config.yaml），敏感项从 .env 覆盖（不提交 git）
func LoadConfig() (*Config, error) {
	// 1. 加载 .env（若存在），env 中的值会覆盖 config.yaml 中同名字段
	_ = godotenv.Load() // 忽略错误（.env 可不存在）

	// 2. 读取 config.yaml
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 敏感字段：用 env 覆盖（优先级 env > yaml）
	overrideFromEnv(cfg)
	return cfg, nil
}

// overrideFromEnv 用环境变量覆盖敏感配置
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.Stripe.SecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("STRIPE_PROXY"); v != "" {
		cfg.Stripe.Proxy = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}
