package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 agentpayd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Wallet   WalletConfig   `json:"wallet"`
	Chains   ChainsConfig   `json:"chains"`
	Session  SessionConfig  `json:"session"`
	Payment  PaymentConfig  `json:"payment"`
	Executor ExecutorConfig `json:"executor"`
	Meter    MeterConfig    `json:"meter"`
	Content  ContentConfig  `json:"content"`
	Catalog  CatalogConfig  `json:"catalog"`
	Registry RegistryConfig `json:"registry"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制会话生命周期审计日志的独立落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// WalletConfig 描述授权账户与签名参数。
type WalletConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
	RPCURL        string `json:"rpc_url"`
}

// ChainsConfig 指向链定义文件与启用的链。
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
	Active          string `json:"active"`
}

// SessionConfig 选择会话存储驱动。
type SessionConfig struct {
	// Driver 可选 memory、file、redis、mysql。
	Driver string `json:"driver"`
	// Dir 是 file 驱动的存储目录。
	Dir string `json:"dir"`
	// DSN 是 mysql 驱动的连接串。
	DSN string `json:"dsn"`
	// Redis 是 redis 驱动的连接参数。
	Redis RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PaymentConfig 控制出站支付凭证。
type PaymentConfig struct {
	// HeaderName 为空时使用默认凭证头。
	HeaderName string `json:"header_name"`
	// NormalizeSignatures 打开后在发送前改写凭证内签名的恢复字节。
	NormalizeSignatures bool `json:"normalize_signatures"`
	// MaxCallValue 是单次调用可支付的最大金额（最小单位）。
	MaxCallValue int64 `json:"max_call_value"`
}

// ExecutorConfig 控制请求执行层。
type ExecutorConfig struct {
	// RetryDelaySeconds 是自动注册后重发前的固定等待。
	RetryDelaySeconds int `json:"retry_delay_seconds"`
	// TimeoutSeconds 是单次出站请求的超时。
	TimeoutSeconds int `json:"timeout_seconds"`
}

// MeterConfig 控制用量计量与事件广播。
type MeterConfig struct {
	// AMQPURL 非空时把用量事件发布到 RabbitMQ。
	AMQPURL string `json:"amqp_url"`
	Queue   string `json:"queue"`
}

// ContentConfig 指向媒体内容固定服务。
type ContentConfig struct {
	PinURL     string `json:"pin_url"`
	GatewayURL string `json:"gateway_url"`
	TokenEnv   string `json:"token_env"`
}

// CatalogConfig 指向智能体目录文件。
type CatalogConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// RegistryConfig 指向资源注册服务。
type RegistryConfig struct {
	Endpoint string `json:"endpoint"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// RetryDelay 返回执行层的重试等待时长。
func (c ExecutorConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Timeout 返回出站请求超时。
func (c ExecutorConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = "AGENTPAY_PRIVATE_KEY"
	}

	if c.Chains.DefinitionsPath == "" {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}
	if c.Chains.Active == "" {
		c.Chains.Active = "base"
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "file"
	}

	if c.Payment.MaxCallValue <= 0 {
		c.Payment.MaxCallValue = 1_000_000
	}

	if c.Meter.Queue == "" {
		c.Meter.Queue = "agentpay.usage"
	}

	if c.Catalog.Source != "" && !filepath.IsAbs(c.Catalog.Source) {
		c.Catalog.Source = filepath.Join(baseDir, c.Catalog.Source)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Session.Dir == "" {
		c.Session.Dir = filepath.Join(c.Runtime.DataDir, "sessions")
	} else if !filepath.IsAbs(c.Session.Dir) {
		c.Session.Dir = filepath.Join(baseDir, c.Session.Dir)
	}

	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}
