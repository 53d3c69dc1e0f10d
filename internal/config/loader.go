package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是覆盖配置项的环境变量前缀，例如 BUNDLE_HUB_LOGLEVEL=debug。
const EnvPrefix = "BUNDLE_HUB"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Preload {
		applyPreloadDefaults(&cfg.Preload[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absBase, err := filepath.Abs(cfg.Global.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析 bundle 目录: %w", err)
	}
	cfg.Global.BaseDir = absBase

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BaseDir", "./bundles")
	v.SetDefault("ManifestName", "manifest")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("TickInterval", "50ms")
	v.SetDefault("MaxParallelReads", 4)
	v.SetDefault("MaxTasksPerTick", 0)
	v.SetDefault("DiagnosticsPort", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	g.ManifestName = strings.TrimSpace(g.ManifestName)
	if g.ManifestName == "" {
		g.ManifestName = "manifest"
	}
	if g.TickInterval.DurationValue() == 0 {
		g.TickInterval = Duration(50 * time.Millisecond)
	}
	if g.MaxParallelReads == 0 {
		g.MaxParallelReads = 4
	}
}

func applyPreloadDefaults(p *PreloadConfig) {
	p.Name = strings.TrimSpace(p.Name)
	p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
	if p.Kind == "" {
		p.Kind = PreloadKindObjects
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
