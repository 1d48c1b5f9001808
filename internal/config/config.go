// Package config 负责加载编排核心启动阶段需要的全部配置。主配置为
// JSON 文件，工作器注册表单独放在 YAML 文件中，便于运营侧独立维护。
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

// Config 描述编排核心的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Channel  ChannelConfig  `json:"channel"`
	Metrics  MetricsConfig  `json:"metrics"`
	Storage  StorageConfig  `json:"storage"`
	Relay    RelayConfig    `json:"relay"`
	LLM      LLMConfig      `json:"llm"`
	Workers  WorkersConfig  `json:"workers"`
	Logger   LoggerConfig   `json:"logger"`
	Alerting AlertingConfig `json:"alerting"`
}

// AlertingConfig 列出接收存储降级等关键告警的 webhook 渠道。
type AlertingConfig struct {
	Webhooks []WebhookConfig `json:"webhooks"`
}

// WebhookConfig 描述单个告警 webhook。Format 为 slack 或 dingtalk。
type WebhookConfig struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// ServerConfig 控制跨进程协议服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// ChannelConfig 控制 WebSocket 双工通道的监听参数。A2ABaseURL 指向
// useA2A 指令转发的目标协议端点。
type ChannelConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Path       string `json:"path"`
	A2ABaseURL string `json:"a2a_base_url"`
}

// MetricsConfig 控制指标服务。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// StorageConfig 统一描述任务日志存储的主后端、后备后端与归档库。
type StorageConfig struct {
	Ledger   LedgerConfig   `json:"ledger"`
	Fallback FallbackConfig `json:"fallback"`
	Archive  ArchiveConfig  `json:"archive"`
	Sync     SyncConfig     `json:"sync"`
}

// LedgerConfig 描述主后端（账本）的接入参数。
type LedgerConfig struct {
	RPCURL          string `json:"rpc_url"`
	RegistryAddress string `json:"registry_address"`
	PrivateKeyHex   string `json:"private_key_hex"`
	BucketAlias     string `json:"bucket_alias"`
	GasLimit        uint64 `json:"gas_limit"`
	NonceRetries    int    `json:"nonce_retries"`
	BucketRetries   int    `json:"bucket_retries"`
	RetryDelayMS    int    `json:"retry_delay_ms"`
}

// FallbackConfig 描述后备 KV 后端（Redis）的接入参数。
type FallbackConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace"`
	TTLHours  int    `json:"ttl_hours"`
}

// ArchiveConfig 描述终态任务归档库（MySQL）。Driver 为 memory 时使用
// 进程内实现。
type ArchiveConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SyncConfig 控制后台批量同步器。
type SyncConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	BatchBudgetKB   int `json:"batch_budget_kb"`
}

// RelayConfig 描述 task-update 事件的对外转发队列。
type RelayConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// WorkersConfig 指向工作器注册表与知识库文件。
type WorkersConfig struct {
	RegistryPath     string `json:"registry_path"`
	KnowledgePath    string `json:"knowledge_path"`
	KnowledgeResults int    `json:"knowledge_results"`
}

// LoggerConfig 控制日志输出。
type LoggerConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 解析指定路径的 JSON 配置文件。
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
	if c.Channel.Address == "" {
		c.Channel.Address = ":8081"
	}
	if c.Channel.Path == "" {
		c.Channel.Path = "/ws"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9100"
	}

	if c.Storage.Ledger.BucketAlias == "" {
		c.Storage.Ledger.BucketAlias = "agentmesh"
	}
	if c.Storage.Ledger.GasLimit == 0 {
		c.Storage.Ledger.GasLimit = 500000
	}
	if c.Storage.Ledger.NonceRetries == 0 {
		c.Storage.Ledger.NonceRetries = 3
	}
	if c.Storage.Ledger.BucketRetries == 0 {
		c.Storage.Ledger.BucketRetries = 3
	}
	if c.Storage.Ledger.RetryDelayMS == 0 {
		c.Storage.Ledger.RetryDelayMS = 500
	}
	if c.Storage.Fallback.Namespace == "" {
		c.Storage.Fallback.Namespace = "agentmesh:kv:"
	}
	if c.Storage.Archive.Driver == "" {
		c.Storage.Archive.Driver = "memory"
	}
	if c.Storage.Sync.IntervalSeconds == 0 {
		c.Storage.Sync.IntervalSeconds = 120
	}
	if c.Storage.Sync.BatchBudgetKB == 0 {
		c.Storage.Sync.BatchBudgetKB = 60
	}

	if c.Relay.Queue == "" {
		c.Relay.Queue = "agentmesh.task-updates"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Workers.RegistryPath == "" {
		c.Workers.RegistryPath = filepath.Join(baseDir, "workers.yaml")
	} else if !filepath.IsAbs(c.Workers.RegistryPath) {
		c.Workers.RegistryPath = filepath.Join(baseDir, c.Workers.RegistryPath)
	}
	if c.Workers.KnowledgePath != "" && !filepath.IsAbs(c.Workers.KnowledgePath) {
		c.Workers.KnowledgePath = filepath.Join(baseDir, c.Workers.KnowledgePath)
	}
	if c.Workers.KnowledgeResults == 0 {
		c.Workers.KnowledgeResults = 3
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if len(c.Logger.OutputPaths) == 0 {
		c.Logger.OutputPaths = []string{"stdout"}
	}
}

// RetryDelay 返回账本后端的重试间隔。
func (l LedgerConfig) RetryDelay() time.Duration {
	return time.Duration(l.RetryDelayMS) * time.Millisecond
}

// TTL 返回后备后端记录的过期时长，0 表示不过期。
func (f FallbackConfig) TTL() time.Duration {
	return time.Duration(f.TTLHours) * time.Hour
}

// Interval 返回同步器的运行间隔。
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Timeout 返回推理调用的超时。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}
