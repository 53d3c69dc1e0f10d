package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/bundle-hub/internal/manifest"
	"github.com/any-hub/bundle-hub/internal/storage"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("BUNDLE_HUB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"-c", "/tmp/short.toml", "--check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/short.toml" || !opts.checkOnly {
		t.Fatalf("短参数解析错误: %+v", opts)
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("未知参数应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(context.Background(), cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(context.Background(), cliOptions{configPath: configFixture(t, "invalid_preload.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "Preload[ui].Kind") {
		t.Fatalf("错误输出应包含字段路径，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(context.Background(), cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "bundle-hub") {
		t.Fatalf("version 输出应包含 bundle-hub 标识")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	dir := writeBundleFixture(t)
	configPath := writeConfigFile(t, fmt.Sprintf(`
BaseDir = "%s"
LogLevel = "warn"
TickInterval = "5ms"

[[Preload]]
Name = "ui"
`, dir))

	useBufferWriters(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	code := run(ctx, cliOptions{configPath: configPath})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunFailsOnUnknownPreload(t *testing.T) {
	dir := writeBundleFixture(t)
	configPath := writeConfigFile(t, fmt.Sprintf(`
BaseDir = "%s"
LogLevel = "warn"

[[Preload]]
Name = "ghost"
`, dir))

	useBufferWriters(t)
	code := run(context.Background(), cliOptions{configPath: configPath})
	if code == 0 {
		t.Fatalf("未知预加载条目应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "ghost") {
		t.Fatalf("错误输出应包含 bundle 名称，得到 %s", stdErrBuffer().String())
	}
}

func TestRunFailsWithoutManifest(t *testing.T) {
	configPath := writeConfigFile(t, fmt.Sprintf(`
BaseDir = "%s"
LogLevel = "warn"
`, t.TempDir()))

	useBufferWriters(t)
	code := run(context.Background(), cliOptions{configPath: configPath})
	if code == 0 {
		t.Fatalf("缺少 manifest 应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "manifest_missing") {
		t.Fatalf("错误输出应包含失败类型，得到 %s", stdErrBuffer().String())
	}
}

func writeBundleFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := storage.WriteBundle(filepath.Join(dir, "textures"), storage.BundleSpec{
		Codec:   storage.CodecZstd,
		Entries: []storage.EntrySpec{{Name: "grass.txt", Data: []byte("green")}},
	}); err != nil {
		t.Fatalf("写入 bundle 失败: %v", err)
	}
	if err := storage.WriteBundle(filepath.Join(dir, "ui"), storage.BundleSpec{
		Entries: []storage.EntrySpec{{Name: "title.txt", Data: []byte("hello")}},
	}); err != nil {
		t.Fatalf("写入 bundle 失败: %v", err)
	}
	entries := []manifest.Entry{
		{Name: "textures"},
		{Name: "ui", Dependencies: []string{"textures"}},
	}
	if err := manifest.Write(dir, "manifest", entries, storage.CodecZstd); err != nil {
		t.Fatalf("写入 manifest 失败: %v", err)
	}
	return dir
}
