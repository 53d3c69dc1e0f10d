// Command bundlepack 生成 bundle-hub 可读取的 bundle 文件与 manifest。
//
//	bundlepack pack -o bundles/ui -c zstd ./assets/ui
//	bundlepack scene -o bundles/forest --id forest-01
//	bundlepack manifest -o bundles --bundle textures --bundle ui=textures
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/any-hub/bundle-hub/internal/manifest"
	"github.com/any-hub/bundle-hub/internal/storage"
	"github.com/any-hub/bundle-hub/internal/version"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const usage = `用法:
  bundlepack pack -o <file> [-c none|zstd|lz4|xz] <dir>
  bundlepack scene -o <file> --id <scene-id> [-c codec]
  bundlepack manifest -o <dir> [--name manifest] --bundle name[=dep,dep] ...
  bundlepack version`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stdErr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "pack":
		err = runPack(args[1:])
	case "scene":
		err = runScene(args[1:])
	case "manifest":
		err = runManifest(args[1:])
	case "version", "--version":
		fmt.Fprintln(stdOut, version.Full())
		return 0
	default:
		fmt.Fprintf(stdErr, "未知子命令: %s\n%s\n", args[0], usage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stdErr, "%s 失败: %v\n", args[0], err)
		return 1
	}
	return 0
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func runPack(args []string) error {
	fs := newFlagSet("pack")
	out := fs.StringP("out", "o", "", "输出 bundle 文件路径")
	codecRaw := fs.StringP("codec", "c", string(storage.CodecZstd), "压缩格式")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" || fs.NArg() != 1 {
		return fmt.Errorf("需要 -o 与一个源目录")
	}
	codec, err := storage.ParseCodec(*codecRaw)
	if err != nil {
		return err
	}

	entries, err := collectEntries(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := storage.WriteBundle(*out, storage.BundleSpec{Entries: entries, Codec: codec}); err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "wrote %s (%d entries, %s)\n", *out, len(entries), codec)
	return nil
}

// collectEntries 按相对路径（斜杠分隔）排序收集 dir 下的全部常规文件。
func collectEntries(dir string) ([]storage.EntrySpec, error) {
	var entries []storage.EntrySpec
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == storage.SceneEntryName {
			return fmt.Errorf("%s 是保留条目名，请使用 scene 子命令", name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, storage.EntrySpec{Name: name, Data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func runScene(args []string) error {
	fs := newFlagSet("scene")
	out := fs.StringP("out", "o", "", "输出 bundle 文件路径")
	id := fs.String("id", "", "场景标识")
	codecRaw := fs.StringP("codec", "c", string(storage.CodecZstd), "压缩格式")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" || strings.TrimSpace(*id) == "" {
		return fmt.Errorf("需要 -o 与 --id")
	}
	codec, err := storage.ParseCodec(*codecRaw)
	if err != nil {
		return err
	}
	if err := storage.WriteBundle(*out, storage.BundleSpec{SceneID: strings.TrimSpace(*id), Codec: codec}); err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "wrote scene %s (%s)\n", *out, *id)
	return nil
}

func runManifest(args []string) error {
	fs := newFlagSet("manifest")
	out := fs.StringP("out", "o", "", "输出目录")
	name := fs.String("name", "manifest", "manifest 文件名")
	bundles := fs.StringArray("bundle", nil, "bundle 声明，形如 name=dep1,dep2")
	codecRaw := fs.StringP("codec", "c", string(storage.CodecZstd), "压缩格式")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("需要 -o")
	}
	codec, err := storage.ParseCodec(*codecRaw)
	if err != nil {
		return err
	}

	entries := make([]manifest.Entry, 0, len(*bundles))
	for _, raw := range *bundles {
		entry, err := parseBundleDecl(raw)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := manifest.Write(*out, *name, entries, codec); err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "wrote %s (%d bundles)\n", filepath.Join(*out, *name), len(entries))
	return nil
}

// parseBundleDecl 解析 "ui=textures,fonts" 形式的声明。
func parseBundleDecl(raw string) (manifest.Entry, error) {
	name, deps, _ := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return manifest.Entry{}, fmt.Errorf("bundle 声明缺少名称: %q", raw)
	}
	entry := manifest.Entry{Name: name}
	for _, dep := range strings.Split(deps, ",") {
		if dep = strings.TrimSpace(dep); dep != "" {
			entry.Dependencies = append(entry.Dependencies, dep)
		}
	}
	return entry, nil
}
