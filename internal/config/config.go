package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgroTrack 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Oracle     OracleConfig     `json:"oracle"`
	Ledger     LedgerConfig     `json:"ledger"`
	Intake     IntakeConfig     `json:"intake"`
	Market     MarketConfig     `json:"market"`
	Settlement SettlementConfig `json:"settlement"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述交易存储后端的连接信息。
type StorageConfig struct {
	TradeStore TradeStoreConfig `json:"trade_store"`
}

// TradeStoreConfig 选择交易存储驱动，memory 或 mysql。
type TradeStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// OracleConfig 配置推荐服务的提供方，openai 或 rules。
type OracleConfig struct {
	Provider string       `json:"provider"`
	Timeout  int          `json:"timeout_seconds"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env"`
	Model     string `json:"model"`
}

// LedgerConfig 配置账本网关的驱动，memory 或 ethereum。
type LedgerConfig struct {
	Driver   string         `json:"driver"`
	Topic    string         `json:"topic"`
	Ethereum EthereumConfig `json:"ethereum"`
}

// EthereumConfig 描述 EVM 账本驱动所需的连接与合约信息。
type EthereumConfig struct {
	RPCURL        string `json:"rpc_url"`
	TopicAddress  string `json:"topic_address"`
	TokenABIPath  string `json:"token_abi_path"`
	TokenBinPath  string `json:"token_bin_path"`
	Treasury      string `json:"treasury"`
	PrivateKeyEnv string `json:"private_key_env"`
	ChainID       int64  `json:"chain_id"`
}

// IntakeConfig 配置采集队列驱动，memory、redis 或 rabbitmq。
type IntakeConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// MarketConfig 指向买家目录与行情文件。
type MarketConfig struct {
	BuyersPath     string  `json:"buyers_path"`
	MarketDataPath string  `json:"market_data_path"`
	ProximityKM    float64 `json:"proximity_km"`
}

// SettlementConfig 控制自主结算策略的可调参数。
type SettlementConfig struct {
	Enabled       bool    `json:"enabled"`
	Scaling       float64 `json:"scaling"`
	MinConfidence float64 `json:"min_confidence"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	LogDir  string `json:"log_dir"`
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

	if c.Storage.TradeStore.Driver == "" {
		c.Storage.TradeStore.Driver = "memory"
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "rules"
	}
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = 10
	}
	if c.Oracle.OpenAI.APIKeyEnv == "" {
		c.Oracle.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Topic == "" {
		c.Ledger.Topic = "agrotrack.trades"
	}
	if c.Ledger.Ethereum.PrivateKeyEnv == "" {
		c.Ledger.Ethereum.PrivateKeyEnv = "AGROTRACK_ETH_KEY"
	}

	if c.Intake.Driver == "" {
		c.Intake.Driver = "memory"
	}
	if c.Intake.Workers <= 0 {
		c.Intake.Workers = 4
	}

	if c.Market.BuyersPath == "" {
		c.Market.BuyersPath = filepath.Join(baseDir, "buyers.yaml")
	} else if !filepath.IsAbs(c.Market.BuyersPath) {
		c.Market.BuyersPath = filepath.Join(baseDir, c.Market.BuyersPath)
	}
	if c.Market.MarketDataPath != "" && !filepath.IsAbs(c.Market.MarketDataPath) {
		c.Market.MarketDataPath = filepath.Join(baseDir, c.Market.MarketDataPath)
	}
	if c.Market.ProximityKM <= 0 {
		c.Market.ProximityKM = 50
	}

	if c.Settlement.Scaling <= 0 {
		c.Settlement.Scaling = 0.1
	}
	if c.Settlement.MinConfidence <= 0 {
		c.Settlement.MinConfidence = 0.90
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.LogDir == "" {
		c.Runtime.LogDir = filepath.Join(c.Runtime.DataDir, "logs")
	} else if !filepath.IsAbs(c.Runtime.LogDir) {
		c.Runtime.LogDir = filepath.Join(baseDir, c.Runtime.LogDir)
	}
}
