package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"CoralRush/internal/capability"
	"CoralRush/internal/capability/httpprovider"
	"CoralRush/internal/capability/openai"
	"CoralRush/internal/capability/script"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/jobs"
	"CoralRush/internal/storage/redis"
	"CoralRush/internal/storage/sqlstore"
	"CoralRush/internal/web3"
	"CoralRush/pkg/logger"
)

// 环境变量。
const (
	EnvConfigPath = "CORALRUSH_CONFIG"
	EnvOpenAIKey  = "OPENAI_API_KEY"
	EnvGPUKey     = "CORALRUSH_GPU_API_KEY"
	EnvLedgerKey  = "CORALRUSH_LEDGER_KEY"
)

// Config 描述了 CoralRush 守护进程启动时需要加载的全部配置。
type Config struct {
	Server       ServerConfig                `yaml:"server"`
	Logging      logger.Config               `yaml:"logging"`
	Metrics      MetricsConfig               `yaml:"metrics"`
	Auth         AuthConfig                  `yaml:"auth"`
	Providers    ProvidersConfig             `yaml:"providers"`
	Capabilities map[string]CapabilityConfig `yaml:"capabilities"`
	Resolver     ResolverConfig              `yaml:"resolver"`
	Orchestrator OrchestratorConfig          `yaml:"orchestrator"`
	Storage      StorageConfig               `yaml:"storage"`
	Queue        QueueConfig                 `yaml:"queue"`
	Alerting     AlertingConfig              `yaml:"alerting"`
	Runtime      RuntimeConfig               `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AuthConfig 配置 API 的静态 Bearer 令牌，为空时不鉴权。
type AuthConfig struct {
	Tokens []string `yaml:"tokens"`
}

// ProvidersConfig 列出所有具名的能力提供方。
type ProvidersConfig struct {
	GPU     []httpprovider.Config `yaml:"gpu"`
	OpenAI  []openai.Config       `yaml:"openai"`
	Script  []script.Config       `yaml:"script"`
	Keyword []KeywordConfig       `yaml:"keyword"`
	Ledger  []web3.Config         `yaml:"ledger"`
	Demo    []DemoConfig          `yaml:"demo"`
}

// KeywordConfig 配置基于关键词目录的意图识别。
type KeywordConfig struct {
	Name                 string   `yaml:"name"`
	Catalog              string   `yaml:"catalog"`
	Watch                bool     `yaml:"watch"`
	HighRiskDestinations []string `yaml:"high_risk_destinations"`
}

// DemoConfig 配置本地演示用的回显提供方。
type DemoConfig struct {
	Name  string        `yaml:"name"`
	Delay time.Duration `yaml:"delay"`
}

// CapabilityConfig 描述一种能力的提供方顺序与单次尝试超时。
type CapabilityConfig struct {
	Providers []string      `yaml:"providers"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ResolverConfig 控制回退链的超时语义与熔断。
type ResolverConfig struct {
	SharedDeadline bool          `yaml:"shared_deadline"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig 配置按提供方的熔断器，Threshold 为 0 时关闭。
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// OrchestratorConfig 控制编排流程。
type OrchestratorConfig struct {
	Critical          map[string]bool          `yaml:"critical"`
	MaxFanOut         int                      `yaml:"max_fan_out"`
	HistoryLength     int                      `yaml:"history_length"`
	VoiceID           string                   `yaml:"voice_id"`
	Chain             string                   `yaml:"chain"`
	OperationTimeouts map[string]time.Duration `yaml:"operation_timeouts"`
}

// StorageConfig 选择会话与任务的存储后端。
type StorageConfig struct {
	Driver string          `yaml:"driver"`
	SQL    sqlstore.Config `yaml:"sql"`
	Redis  redis.Config    `yaml:"redis"`
}

// QueueConfig 选择异步任务队列。
type QueueConfig struct {
	Driver     string                `yaml:"driver"`
	Workers    int                   `yaml:"workers"`
	MaxRetries int                   `yaml:"max_retries"`
	Size       int                   `yaml:"size"`
	Redis      jobs.RedisQueueConfig `yaml:"redis"`
	RabbitMQ   jobs.RabbitMQConfig   `yaml:"rabbitmq"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	DingTalkURL  string `yaml:"dingtalk_url"`
	SlackURL     string `yaml:"slack_url"`
	SlackChannel string `yaml:"slack_channel"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// 存储与队列驱动。
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// DefaultPath 返回配置文件路径，优先读取 CORALRUSH_CONFIG。
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return filepath.Join("configs", "coralrush.yaml")
}

// Load 解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，相对路径基于 baseDir。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(c.Runtime.DataDir, c.Logging.Audit.Path, "audit.log")
	}

	c.nameProviders()
	for i := range c.Providers.Keyword {
		if c.Providers.Keyword[i].Catalog != "" {
			c.Providers.Keyword[i].Catalog = resolvePath(baseDir, c.Providers.Keyword[i].Catalog, "")
		}
	}
	for i := range c.Providers.Script {
		s := &c.Providers.Script[i]
		if s.Script != "" {
			s.Script = script.ResolveScriptPath(baseDir, s.Script)
		}
		s.WorkingDir = resolvePath(baseDir, s.WorkingDir, ".")
	}
	for i := range c.Providers.Ledger {
		if c.Providers.Ledger[i].ChainConfig != "" {
			c.Providers.Ledger[i].ChainConfig = resolvePath(baseDir, c.Providers.Ledger[i].ChainConfig, "")
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == DriverSQLite {
		c.Storage.SQL.Driver = string(sqlstore.DialectSQLite)
		if c.Storage.SQL.DSN == "" {
			c.Storage.SQL.DSN = "file:" + filepath.Join(c.Runtime.DataDir, "coralrush.db") + "?_busy_timeout=5000"
		}
	}
	if c.Storage.Driver == DriverMySQL {
		c.Storage.SQL.Driver = string(sqlstore.DialectMySQL)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverMemory
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
}

// applyEnv 用环境变量覆盖密钥类配置。
func (c *Config) applyEnv() {
	if key := os.Getenv(EnvOpenAIKey); key != "" {
		for i := range c.Providers.OpenAI {
			if c.Providers.OpenAI[i].APIKey == "" {
				c.Providers.OpenAI[i].APIKey = key
			}
		}
	}
	if key := os.Getenv(EnvGPUKey); key != "" {
		for i := range c.Providers.GPU {
			if c.Providers.GPU[i].APIKey == "" {
				c.Providers.GPU[i].APIKey = key
			}
		}
	}
	if key := os.Getenv(EnvLedgerKey); key != "" {
		for i := range c.Providers.Ledger {
			if c.Providers.Ledger[i].PrivateKey == "" {
				c.Providers.Ledger[i].PrivateKey = key
			}
		}
	}
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverMySQL, DriverSQLite, DriverRedis:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的存储驱动: %s", c.Storage.Driver))
	}
	switch c.Queue.Driver {
	case DriverMemory, DriverRedis, DriverRabbitMQ:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的队列驱动: %s", c.Queue.Driver))
	}

	names := c.ProviderNames()
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "提供方名称不能为空")
		}
		if _, ok := seen[name]; ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("提供方名称重复: %s", name))
		}
		seen[name] = struct{}{}
	}
	for raw, route := range c.Capabilities {
		if _, err := capability.Parse(raw); err != nil {
			return err
		}
		if route.Timeout < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 的超时时间不能为负数", raw))
		}
		for _, name := range route.Providers {
			if _, ok := seen[name]; !ok {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 引用了未定义的提供方 %s", raw, name))
			}
		}
	}
	for op, timeout := range c.Orchestrator.OperationTimeouts {
		if timeout < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("操作 %s 的超时时间不能为负数", op))
		}
	}
	return nil
}

// nameProviders 为未命名的提供方补齐默认名称。
func (c *Config) nameProviders() {
	for i := range c.Providers.GPU {
		c.Providers.GPU[i].Name = orDefault(c.Providers.GPU[i].Name, "gpu")
	}
	for i := range c.Providers.OpenAI {
		c.Providers.OpenAI[i].Name = orDefault(c.Providers.OpenAI[i].Name, "openai")
	}
	for i := range c.Providers.Script {
		c.Providers.Script[i].Name = orDefault(c.Providers.Script[i].Name, "script")
	}
	for i := range c.Providers.Keyword {
		c.Providers.Keyword[i].Name = orDefault(c.Providers.Keyword[i].Name, "keyword")
	}
	for i := range c.Providers.Ledger {
		c.Providers.Ledger[i].Name = orDefault(c.Providers.Ledger[i].Name, "ledger")
	}
	for i := range c.Providers.Demo {
		c.Providers.Demo[i].Name = orDefault(c.Providers.Demo[i].Name, "demo")
	}
}

// ProviderNames 按声明顺序返回全部提供方名称。
func (c *Config) ProviderNames() []string {
	var names []string
	for _, p := range c.Providers.GPU {
		names = append(names, p.Name)
	}
	for _, p := range c.Providers.OpenAI {
		names = append(names, p.Name)
	}
	for _, p := range c.Providers.Script {
		names = append(names, p.Name)
	}
	for _, p := range c.Providers.Keyword {
		names = append(names, p.Name)
	}
	for _, p := range c.Providers.Ledger {
		names = append(names, p.Name)
	}
	for _, p := range c.Providers.Demo {
		names = append(names, p.Name)
	}
	return names
}

func resolvePath(baseDir, value, def string) string {
	if value == "" {
		value = def
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
