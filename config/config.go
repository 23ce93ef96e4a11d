package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`

	// 外部 AI 能力的接入配置
	LLM struct {
		ApiUrl  string `yaml:"api_url"`
		ApiKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		Timeout int    `yaml:"timeout"` // 秒
	} `yaml:"llm"`
	TTS struct {
		Provider string `yaml:"provider"` // hosted | selfhosted
		ApiUrl   string `yaml:"api_url"`
		ApiKey   string `yaml:"api_key"`
		Timeout  int    `yaml:"timeout"`
	} `yaml:"tts"`
	Image struct {
		ApiUrl  string `yaml:"api_url"`
		ApiKey  string `yaml:"api_key"`
		Timeout int    `yaml:"timeout"`
	} `yaml:"image"`

	// 流水线调参，均有默认值
	Pipeline Pipeline `yaml:"pipeline"`
}

type Pipeline struct {
	MaxChunkSize       int     `yaml:"max_chunk_size"`       // 翻译分块的字符预算
	CharsPerSecond     float64 `yaml:"chars_per_second"`     // 旁白语速模型
	SceneTargetSeconds float64 `yaml:"scene_target_seconds"` // 单个场景的目标时长
	TotalImages        int     `yaml:"total_images"`         // 整篇故事的配图预算
	FirstWindowImages  int     `yaml:"first_window_images"`  // 开头窗口内优先分配的配图数
	FirstWindowSeconds float64 `yaml:"first_window_seconds"` // 开头窗口时长（默认前 3 分钟）
	FanoutConcurrency  int     `yaml:"fanout_concurrency"`   // 同时处理的场景数上限
	MaxAttempts        int     `yaml:"max_attempts"`         // 单次外部调用的最大尝试次数
	BackoffBaseMs      int     `yaml:"backoff_base_ms"`      // 指数退避起始间隔（毫秒）
	FailRatio          float64 `yaml:"fail_ratio"`           // 允许的媒体失败比例，超过则整单失败
	LengthTolerance    float64 `yaml:"length_tolerance"`     // 译文长度允许的偏差比例
	MinContentLength   int     `yaml:"min_content_length"`
	MaxContentLength   int     `yaml:"max_content_length"`
	TokenCostPer1K     float64 `yaml:"token_cost_per_1k"`
}

// ApplyDefaults 补齐未配置的流水线参数，测试里也会用
func (p *Pipeline) ApplyDefaults() {
	if p.MaxChunkSize <= 0 {
		p.MaxChunkSize = 4000
	}
	if p.CharsPerSecond <= 0 {
		p.CharsPerSecond = 15
	}
	if p.SceneTargetSeconds <= 0 {
		p.SceneTargetSeconds = 8
	}
	if p.TotalImages <= 0 {
		p.TotalImages = 20
	}
	if p.FirstWindowImages <= 0 {
		p.FirstWindowImages = 10
	}
	if p.FirstWindowSeconds <= 0 {
		p.FirstWindowSeconds = 180
	}
	if p.FanoutConcurrency <= 0 {
		p.FanoutConcurrency = 4
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBaseMs <= 0 {
		p.BackoffBaseMs = 2000
	}
	if p.FailRatio <= 0 {
		p.FailRatio = 0.2
	}
	if p.LengthTolerance <= 0 {
		p.LengthTolerance = 0.35
	}
	if p.MinContentLength <= 0 {
		p.MinContentLength = 100
	}
	if p.MaxContentLength <= 0 {
		p.MaxContentLength = 50000
	}
	if p.TokenCostPer1K <= 0 {
		p.TokenCostPer1K = 0.002
	}
}

// BackoffInterval 指数退避的起始间隔
func (p *Pipeline) BackoffInterval() time.Duration {
	return time.Duration(p.BackoffBaseMs) * time.Millisecond
}

// Load 读取并解析配置文件，缺省的流水线参数在这里补齐
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("配置文件读取失败: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	cfg.Pipeline.ApplyDefaults()
	return cfg, nil
}
