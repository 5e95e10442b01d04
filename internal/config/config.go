package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Sock5Proxy struct {
	Host   string `yaml:"Host"`
	Port   int32  `yaml:"Port"`
	Enable bool   `yaml:"Enable"`
}

type Breaker struct {
	Enable       bool    `yaml:"Enable"`
	FailureRatio float64 `yaml:"FailureRatio"` // 失败率阈值，如 0.6
	MinRequests  uint32  `yaml:"MinRequests"`  // 计算失败率前的最少请求数
	OpenSeconds  int     `yaml:"OpenSeconds"`  // 熔断打开后多久进入半开
}

type LLM struct {
	Provider          string  `yaml:"Provider"` // "openai" / "anthropic"
	BaseURL           string  `yaml:"BaseURL"`  // 兼容 OpenAI API 的端点
	APIKey            string  `yaml:"APIKey"`
	Model             string  `yaml:"Model"` // 如 gpt-4o-mini, deepseek-chat, claude-sonnet-4-5
	Temperature       float32 `yaml:"Temperature"`
	TimeoutSeconds    int     `yaml:"TimeoutSeconds"`    // 单次调用超时
	RequestsPerSecond float64 `yaml:"RequestsPerSecond"` // 0 表示不限速
	Burst             int     `yaml:"Burst"`
	Breaker           Breaker `yaml:"Breaker"`
}

type Pipeline struct {
	ConcurrencyLimit  int     `yaml:"ConcurrencyLimit"`  // 每批并发数，默认 5
	MaxChunkSize      int     `yaml:"MaxChunkSize"`      // 单块最大字符数，默认 8000
	MaxRetries        int     `yaml:"MaxRetries"`        // 批内重试次数，默认 2
	BackoffBaseMs     int     `yaml:"BackoffBaseMs"`     // 退避基数（毫秒），默认 1000
	BatchPauseMs      int     `yaml:"BatchPauseMs"`      // 批次间隔（毫秒），默认 1000
	RepairTruncate    int     `yaml:"RepairTruncate"`    // 修复阶段截断长度，默认 4000
	FallbackPreview   int     `yaml:"FallbackPreview"`   // 兜底摘要预览长度，默认 500
	OverviewPreview   int     `yaml:"OverviewPreview"`   // 概览使用的前缀长度，默认 5000
	CoverageThreshold float64 `yaml:"CoverageThreshold"` // 合并结果章节覆盖率阈值，默认 0.7
}

type Storage struct {
	BucketURL string `yaml:"BucketURL"` // gocloud 存储地址，如 file:///data/documents
}

type Database struct {
	DSN string `yaml:"DSN"`
}

type Worker struct {
	Cron          string `yaml:"Cron"`          // cron 表达式，如 "*/5 * * * *"
	RetryTimes    int    `yaml:"RetryTimes"`    // 总结失败重试次数，默认 3
	RetryInterval int    `yaml:"RetryInterval"` // 重试间隔（秒），默认 60
	BatchSize     int    `yaml:"BatchSize"`     // 每轮最多处理的记录数，默认 10
}

type Metrics struct {
	Enable bool   `yaml:"Enable"`
	Listen string `yaml:"Listen"`
}

type Log struct {
	Dir   string `yaml:"Dir"`
	File  string `yaml:"File"`
	Level string `yaml:"Level"`
}

type Config struct {
	Sock5Proxy Sock5Proxy `yaml:"Sock5Proxy"`
	LLM        LLM        `yaml:"LLM"`
	Pipeline   Pipeline   `yaml:"Pipeline"`
	Storage    Storage    `yaml:"Storage"`
	Database   Database   `yaml:"Database"`
	Worker     Worker     `yaml:"Worker"`
	Metrics    Metrics    `yaml:"Metrics"`
	Log        Log        `yaml:"Log"`
}

func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置，补全默认值后校验
func Parse(data []byte) (*Config, error) {
	// 先填入默认值，配置文件中显式写出的 0 会保留
	c := Config{
		LLM:      LLM{Temperature: defaultTemperature},
		Pipeline: DefaultPipeline(),
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

const defaultTemperature = 0.2

// DefaultPipeline 返回流水线默认参数
func DefaultPipeline() Pipeline {
	return Pipeline{
		ConcurrencyLimit:  5,
		MaxChunkSize:      8000,
		MaxRetries:        2,
		BackoffBaseMs:     1000,
		BatchPauseMs:      1000,
		RepairTruncate:    4000,
		FallbackPreview:   500,
		OverviewPreview:   5000,
		CoverageThreshold: 0.7,
	}
}

// ApplyDefaults 为未填写的字段设置默认值
// Temperature 和 Pipeline 的默认值在解析前填入，0 是合法取值
func (c *Config) ApplyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 300
	}
	if c.LLM.Burst == 0 {
		c.LLM.Burst = 1
	}
	if c.LLM.Breaker.FailureRatio == 0 {
		c.LLM.Breaker.FailureRatio = 0.6
	}
	if c.LLM.Breaker.MinRequests == 0 {
		c.LLM.Breaker.MinRequests = 10
	}
	if c.LLM.Breaker.OpenSeconds == 0 {
		c.LLM.Breaker.OpenSeconds = 60
	}

	if c.Storage.BucketURL == "" {
		c.Storage.BucketURL = "file:///data/documents?create_dir=true"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "file:data/sqlite.db?mode=rwc&_journal_mode=WAL&_fk=1"
	}
	if c.Worker.Cron == "" {
		c.Worker.Cron = "*/5 * * * *"
	}
	if c.Worker.RetryTimes == 0 {
		c.Worker.RetryTimes = 3
	}
	if c.Worker.RetryInterval == 0 {
		c.Worker.RetryInterval = 60
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 10
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.File == "" {
		c.Log.File = "doc-digest.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	// 验证 LLM
	if c.LLM.Provider != "openai" && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("LLM.Provider 必须是 'openai' 或 'anthropic'")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM.APIKey 不能为空")
	}
	if c.LLM.Provider == "openai" && c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM.BaseURL 不能为空")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM.Model 不能为空")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM.Temperature 必须在 0 到 2 之间")
	}
	if c.LLM.TimeoutSeconds < 0 {
		return fmt.Errorf("LLM.TimeoutSeconds 必须 >= 0")
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("LLM.RequestsPerSecond 必须 >= 0")
	}
	if c.LLM.Breaker.FailureRatio <= 0 || c.LLM.Breaker.FailureRatio > 1 {
		return fmt.Errorf("LLM.Breaker.FailureRatio 必须在 (0, 1] 之间")
	}

	// 验证 Pipeline
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	// 验证 Worker
	if c.Worker.RetryTimes < 0 {
		return fmt.Errorf("Worker.RetryTimes 必须 >= 0")
	}
	if c.Worker.RetryInterval < 0 {
		return fmt.Errorf("Worker.RetryInterval 必须 >= 0")
	}
	if c.Worker.BatchSize < 0 {
		return fmt.Errorf("Worker.BatchSize 必须 >= 0")
	}

	return nil
}

// Validate 验证流水线参数
func (p *Pipeline) Validate() error {
	if p.ConcurrencyLimit <= 0 {
		return fmt.Errorf("Pipeline.ConcurrencyLimit 必须大于 0")
	}
	if p.MaxChunkSize < 100 {
		return fmt.Errorf("Pipeline.MaxChunkSize 不能小于 100")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("Pipeline.MaxRetries 必须 >= 0")
	}
	if p.BackoffBaseMs < 0 || p.BatchPauseMs < 0 {
		return fmt.Errorf("Pipeline.BackoffBaseMs 与 Pipeline.BatchPauseMs 必须 >= 0")
	}
	if p.RepairTruncate <= 0 {
		return fmt.Errorf("Pipeline.RepairTruncate 必须大于 0")
	}
	if p.FallbackPreview <= 0 {
		return fmt.Errorf("Pipeline.FallbackPreview 必须大于 0")
	}
	if p.OverviewPreview <= 0 {
		return fmt.Errorf("Pipeline.OverviewPreview 必须大于 0")
	}
	if p.CoverageThreshold <= 0 || p.CoverageThreshold > 1 {
		return fmt.Errorf("Pipeline.CoverageThreshold 必须在 (0, 1] 之间")
	}
	return nil
}

func (p Pipeline) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMs) * time.Millisecond
}

func (p Pipeline) BatchPause() time.Duration {
	return time.Duration(p.BatchPauseMs) * time.Millisecond
}
