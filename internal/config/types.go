package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "50ms"、"5s" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述缓存会话与进程级行为。
type GlobalConfig struct {
	BaseDir          string   `mapstructure:"BaseDir"`
	ManifestName     string   `mapstructure:"ManifestName"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	TickInterval     Duration `mapstructure:"TickInterval"`
	MaxParallelReads int64    `mapstructure:"MaxParallelReads"`
	MaxTasksPerTick  int      `mapstructure:"MaxTasksPerTick"`
	DiagnosticsPort  int      `mapstructure:"DiagnosticsPort"`
}

// Preload 类型取值。
const (
	PreloadKindObjects = "objects"
	PreloadKindScene   = "scene"
)

// PreloadConfig 描述启动时即租借、退出时归还的 bundle。
type PreloadConfig struct {
	Name string `mapstructure:"Name"`
	Kind string `mapstructure:"Kind"`
}

// IsScene 表示该条目按 streamed scene 租借。
func (p PreloadConfig) IsScene() bool {
	return p.Kind == PreloadKindScene
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig    `mapstructure:",squash"`
	Preload []PreloadConfig `mapstructure:"Preload"`
}

// DiagnosticsEnabled 表示是否需要启动诊断 HTTP 服务。
func (c *Config) DiagnosticsEnabled() bool {
	return c != nil && c.Global.DiagnosticsPort > 0
}

// PreloadNames 返回预加载条目的名称列表，供启动日志使用。
func (c *Config) PreloadNames() []string {
	if c == nil || len(c.Preload) == 0 {
		return nil
	}
	names := make([]string, len(c.Preload))
	for i, p := range c.Preload {
		names[i] = fmt.Sprintf("%s:%s", p.Name, p.Kind)
	}
	return names
}
