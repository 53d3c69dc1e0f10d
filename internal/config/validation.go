package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if strings.TrimSpace(g.BaseDir) == "" {
		return newFieldError("Global.BaseDir", "不能为空")
	}
	if err := validateManifestName(g.ManifestName); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}
	if g.TickInterval.DurationValue() <= 0 {
		return newFieldError("Global.TickInterval", "必须大于 0")
	}
	if g.MaxParallelReads <= 0 {
		return newFieldError("Global.MaxParallelReads", "必须大于 0")
	}
	if g.MaxTasksPerTick < 0 {
		return newFieldError("Global.MaxTasksPerTick", "不能为负数")
	}
	if g.DiagnosticsPort < 0 || g.DiagnosticsPort > 65535 {
		return newFieldError("Global.DiagnosticsPort", "必须在 0-65535（0 表示关闭）")
	}

	seen := map[string]struct{}{}
	for i := range c.Preload {
		p := &c.Preload[i]
		if p.Name == "" {
			return newFieldError("Preload[].Name", "不能为空")
		}
		key := strings.ToLower(p.Name)
		if _, exists := seen[key]; exists {
			return newFieldError(preloadField(p.Name, "Name"), "重复")
		}
		seen[key] = struct{}{}

		switch p.Kind {
		case PreloadKindObjects, PreloadKindScene:
		default:
			return newFieldError(preloadField(p.Name, "Kind"), "仅支持 objects/scene")
		}
	}

	return nil
}

func validateManifestName(name string) error {
	if name == "" {
		return newFieldError("Global.ManifestName", "不能为空")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return newFieldError("Global.ManifestName", "只能是 BaseDir 下的文件名")
	}
	return nil
}
