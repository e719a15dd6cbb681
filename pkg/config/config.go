package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 引擎总配置（支持 .yaml/.yml/.json）
type Config struct {
	Log    LogConfig    `yaml:"log" json:"log"`
	Sim    SimConfig    `yaml:"sim" json:"sim"`
	Risk   RiskConfig   `yaml:"risk" json:"risk"`
	Router RouterConfig `yaml:"router" json:"router"`
	Server ServerConfig `yaml:"server" json:"server"`
	Feed   FeedConfig   `yaml:"feed" json:"feed"`
	Store  StoreConfig  `yaml:"store" json:"store"`
	Broker BrokerConfig `yaml:"broker" json:"broker"`

	// SnapshotDir 挂单注册表快照目录（空则不做快照）
	SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	OutputFile string `yaml:"output_file" json:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// SimConfig 纸面撮合参数（注入常量，不硬编码）
type SimConfig struct {
	SlippageRate   float64 `yaml:"slippage_rate" json:"slippage_rate"`
	CommissionRate float64 `yaml:"commission_rate" json:"commission_rate"`
	MinCommission  float64 `yaml:"min_commission" json:"min_commission"`
}

// RiskConfig 风控配置
type RiskConfig struct {
	// DefaultMaxLoss 默认账户亏损上限（<=0 关闭）
	DefaultMaxLoss float64        `yaml:"default_max_loss" json:"default_max_loss"`
	Limits         []AccountLimit `yaml:"limits" json:"limits"`
}

// AccountLimit 账户级亏损上限
type AccountLimit struct {
	AccountID string  `yaml:"account_id" json:"account_id"`
	Mode      string  `yaml:"mode" json:"mode"`
	MaxLoss   float64 `yaml:"max_loss" json:"max_loss"`
}

// RouterConfig 订单路由配置
type RouterConfig struct {
	// SubmitTimeoutSeconds live 订单提交后无回报的告警阈值（默认 30s）
	SubmitTimeoutSeconds int `yaml:"submit_timeout_seconds" json:"submit_timeout_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// ServerConfig 控制面 HTTP 服务配置
type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"` // 如 ":8080"，空则不启动
}

// FeedConfig 行情源配置
type FeedConfig struct {
	URL              string `yaml:"url" json:"url"` // websocket 行情地址，空则不启动
	ReconnectSeconds int    `yaml:"reconnect_seconds" json:"reconnect_seconds"`
}

// StoreConfig 审计存储配置
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"` // 空则不落库
}

// BrokerConfig live 券商连接配置
type BrokerConfig struct {
	Name            string `yaml:"name" json:"name"`
	BaseURL         string `yaml:"base_url" json:"base_url"`
	AccountID       string `yaml:"account_id" json:"account_id"`
	OrdersPerSecond int    `yaml:"orders_per_second" json:"orders_per_second"`
	// SecretStorePath badger 凭据库路径；凭据键为 broker:<name>
	SecretStorePath string `yaml:"secret_store_path" json:"secret_store_path"`
	// EncryptionKeyHex badger 静态加密密钥（32 字节 hex，可选）
	EncryptionKeyHex string `yaml:"encryption_key_hex" json:"encryption_key_hex"`
}

// Load 从文件加载配置，按扩展名选择解析器，并应用默认值与环境变量覆盖
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", path)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// Default 返回带默认值的配置（无配置文件启动用）
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sim.SlippageRate <= 0 {
		c.Sim.SlippageRate = 0.001
	}
	if c.Sim.CommissionRate <= 0 {
		c.Sim.CommissionRate = 0.0003
	}
	if c.Sim.MinCommission <= 0 {
		c.Sim.MinCommission = 5.0
	}
	if c.Router.SubmitTimeoutSeconds <= 0 {
		c.Router.SubmitTimeoutSeconds = 30
	}
	if c.Router.SweepIntervalSeconds <= 0 {
		c.Router.SweepIntervalSeconds = 5
	}
	if c.Feed.ReconnectSeconds <= 0 {
		c.Feed.ReconnectSeconds = 5
	}
	if c.Broker.OrdersPerSecond <= 0 {
		c.Broker.OrdersPerSecond = 10
	}
}

// applyEnv 少量运行时覆盖（部署环境注入）
func (c *Config) applyEnv() {
	if v := os.Getenv("VELOX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VELOX_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("VELOX_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("VELOX_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
}
