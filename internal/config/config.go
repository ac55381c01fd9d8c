package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 bazaard 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Ledger     LedgerConfig     `json:"ledger"`
	Escrow     EscrowConfig     `json:"escrow"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Market     MarketConfig     `json:"market"`
	Reputation ReputationConfig `json:"reputation"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与人工操作端点的鉴权方式。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
	AuthMode       string `json:"auth_mode"`
	OperatorToken  string `json:"operator_token"`
}

// LedgerConfig 统一描述留言账本（append-only log）后端的连接信息。
type LedgerConfig struct {
	Driver string      `json:"driver"`
	DSN    string      `json:"dsn"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数，账本与派发队列共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// EscrowConfig 描述托管金库的实现方式。memory 用于开发，ethereum 走链上转账。
type EscrowConfig struct {
	Driver        string `json:"driver"`
	ChainsFile    string `json:"chains_file"`
	Chain         string `json:"chain"`
	EscrowAccount string `json:"escrow_account"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// DispatchConfig 控制智能体派发层的队列驱动与安全参数。
type DispatchConfig struct {
	Driver          string         `json:"driver"`
	CooldownSeconds int            `json:"cooldown_seconds"`
	PollSeconds     int            `json:"poll_seconds"`
	Redis           RedisConfig    `json:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// MarketConfig 放置撮合会话的业务参数。
type MarketConfig struct {
	RolesFile               string `json:"roles_file"`
	Budget                  int64  `json:"budget"`
	MaxRevisions            int    `json:"max_revisions"`
	PollIntervalSeconds     int    `json:"poll_interval_seconds"`
	BidWindowSeconds        int    `json:"bid_window_seconds"`
	DeliverableWaitSeconds  int    `json:"deliverable_wait_seconds"`
	ConsultQuoteWaitSeconds int    `json:"consult_quote_wait_seconds"`
	ConsultShortWaitSeconds int    `json:"consult_short_wait_seconds"`
	ConsultLongWaitSeconds  int    `json:"consult_long_wait_seconds"`
	AdvisorAccount          string `json:"advisor_account"`
	AdvisorDefaultFee       int64  `json:"advisor_default_fee"`
	ClientAccount           string `json:"client_account"`
}

// ReputationConfig 描述信誉登记的落库方式，未配置时自动降级为 no-op。
type ReputationConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LoggingConfig 映射 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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
	if c.Server.AuthMode == "" {
		c.Server.AuthMode = "disabled"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Redis.Key == "" {
		c.Ledger.Redis.Key = "bazaar:ledger"
	}

	if c.Escrow.Driver == "" {
		c.Escrow.Driver = "memory"
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.CooldownSeconds <= 0 {
		c.Dispatch.CooldownSeconds = 30
	}
	if c.Dispatch.PollSeconds <= 0 {
		c.Dispatch.PollSeconds = 2
	}

	if c.Market.Budget <= 0 {
		c.Market.Budget = 100
	}
	if c.Market.MaxRevisions <= 0 {
		c.Market.MaxRevisions = 2
	}
	if c.Market.PollIntervalSeconds <= 0 {
		c.Market.PollIntervalSeconds = 5
	}
	if c.Market.BidWindowSeconds <= 0 {
		c.Market.BidWindowSeconds = 180
	}
	if c.Market.DeliverableWaitSeconds <= 0 {
		c.Market.DeliverableWaitSeconds = 600
	}
	if c.Market.ConsultQuoteWaitSeconds <= 0 {
		c.Market.ConsultQuoteWaitSeconds = 120
	}
	if c.Market.ConsultShortWaitSeconds <= 0 {
		c.Market.ConsultShortWaitSeconds = 60
	}
	if c.Market.ConsultLongWaitSeconds <= 0 {
		c.Market.ConsultLongWaitSeconds = 300
	}
	if c.Market.AdvisorDefaultFee <= 0 {
		c.Market.AdvisorDefaultFee = 2
	}
	if c.Market.RolesFile == "" {
		c.Market.RolesFile = filepath.Join(baseDir, "roles.yaml")
	} else if !filepath.IsAbs(c.Market.RolesFile) {
		c.Market.RolesFile = filepath.Join(baseDir, c.Market.RolesFile)
	}

	if c.Escrow.ChainsFile != "" && !filepath.IsAbs(c.Escrow.ChainsFile) {
		c.Escrow.ChainsFile = filepath.Join(baseDir, c.Escrow.ChainsFile)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
