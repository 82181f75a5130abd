package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述托管服务在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Fees     FeesConfig     `json:"fees"`
	Chain    ChainConfig    `json:"chain"`
	Identity IdentityConfig `json:"identity"`
	Audit    AuditConfig    `json:"audit"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述账本、金库与 nonce 后端的连接信息。
type StorageConfig struct {
	Ledger LedgerConfig `json:"ledger"`
	Vault  VaultConfig  `json:"vault"`
	Nonce  NonceConfig  `json:"nonce"`
}

// LedgerConfig 选择任务账本后端：memory 或 mysql。
type LedgerConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// VaultConfig 选择收益金库后端。sovereign_agent 非零时使用
// 主权金库，整个实例只服务该智能体。
type VaultConfig struct {
	Driver         string `json:"driver"`
	DSN            string `json:"dsn"`
	SovereignAgent uint64 `json:"sovereign_agent"`
}

// NonceConfig 选择授权 nonce 存储：memory 或 redis。
type NonceConfig struct {
	Driver        string `json:"driver"`
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// FeesConfig 是进程级费率配置。
type FeesConfig struct {
	Treasury string `json:"treasury"`
	FeeBps   uint32 `json:"fee_bps"`
	Admin    string `json:"admin"`
}

// ChainConfig 指定结算链定义文件及启用的链。
type ChainConfig struct {
	Definitions string `json:"definitions"`
	Active      string `json:"active"`
	// Settlement 选择结算原语：memory（单机托管账本）或 chain。
	Settlement string `json:"settlement"`
	// EscrowAccount 是内存结算下的托管账户地址。
	EscrowAccount string `json:"escrow_account"`
}

// IdentityConfig 指定智能体身份注册表的访问方式。
type IdentityConfig struct {
	// Driver 为 static 时使用 Owners 静态表；registry 时查询链上注册表。
	Driver   string            `json:"driver"`
	RPCURL   string            `json:"rpc_url"`
	Registry string            `json:"registry"`
	Owners   map[string]string `json:"owners"`
}

// AuditConfig 配置审计事件的落库与外发流。
type AuditConfig struct {
	Journal JournalConfig `json:"journal"`
	Redis   RedisConfig   `json:"redis"`
	Rabbit  RabbitConfig  `json:"rabbitmq"`
}

// JournalConfig 选择审计日志后端：memory 或 mysql。
type JournalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// RedisConfig 配置 Redis 审计事件流，Address 为空表示禁用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitConfig 配置 RabbitMQ 审计事件流，URL 为空表示禁用。
type RabbitConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// LoggingConfig 控制结构化日志输出。
type LoggingConfig struct {
	Level     string `json:"level"`
	Dir       string `json:"dir"`
	MaxSizeMB int    `json:"max_size_mb"`
}

// MetricsConfig 控制独立的 /metrics 监听地址，为空表示禁用。
type MetricsConfig struct {
	Address string `json:"address"`
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

	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}
	if c.Storage.Vault.Driver == "" {
		c.Storage.Vault.Driver = "memory"
	}
	if c.Storage.Nonce.Driver == "" {
		c.Storage.Nonce.Driver = "memory"
	}

	if c.Chain.Settlement == "" {
		c.Chain.Settlement = "memory"
	}
	if c.Chain.Definitions != "" && !filepath.IsAbs(c.Chain.Definitions) {
		c.Chain.Definitions = filepath.Join(baseDir, c.Chain.Definitions)
	}

	if c.Identity.Driver == "" {
		c.Identity.Driver = "static"
	}

	if c.Audit.Journal.Driver == "" {
		c.Audit.Journal.Driver = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = filepath.Join(baseDir, "logs")
	} else if !filepath.IsAbs(c.Logging.Dir) {
		c.Logging.Dir = filepath.Join(baseDir, c.Logging.Dir)
	}
}
