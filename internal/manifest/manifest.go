package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/any-hub/bundle-hub/internal/storage"
)

// PayloadEntryName 是 manifest bundle 内承载依赖表的条目名。
const PayloadEntryName = "manifest.json"

var (
	// ErrMissing 表示 manifest 文件不存在。
	ErrMissing = errors.New("manifest file missing")
	// ErrUnreadable 表示 manifest 文件存在但无法作为 bundle 读取。
	ErrUnreadable = errors.New("manifest unreadable")
	// ErrPayloadAbsent 表示 manifest bundle 中缺少依赖表。
	ErrPayloadAbsent = errors.New("manifest payload absent")
	// ErrInvalid 表示依赖表内容非法（解析失败、重复、悬空依赖、依赖环）。
	ErrInvalid = errors.New("manifest invalid")
	// ErrDependencyCycle 表示依赖图中存在环，总是同时满足 errors.Is(err, ErrInvalid)。
	ErrDependencyCycle = fmt.Errorf("%w: dependency cycle", ErrInvalid)
	// ErrUnknownBundle 表示名称未在 manifest 中声明。
	ErrUnknownBundle = errors.New("unknown bundle")
)

// Reader 同步读取一个 bundle 文件，*storage.FileSource 满足该接口。
type Reader interface {
	ReadBundle(ctx context.Context, name string) (storage.Resource, error)
}

// Manifest 持有解析后的依赖表以及 manifest 自身的底层资源，后者必须通过 Release 释放。
type Manifest struct {
	Table    *Table
	resource storage.Resource
}

// Release 释放 manifest 的底层资源。
func (m *Manifest) Release() error {
	if m == nil || m.resource == nil {
		return nil
	}
	res := m.resource
	m.resource = nil
	return res.Release()
}

type payload struct {
	Bundles *[]Entry `json:"bundles"`
}

// Load 读取名为 name 的 manifest bundle 并解析依赖表。失败时不会保留任何资源。
func Load(ctx context.Context, reader Reader, name string) (*Manifest, error) {
	res, err := reader.ReadBundle(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, name, err)
	}

	raw, err := res.ReadEntry(PayloadEntryName)
	if err != nil {
		_ = res.Release()
		return nil, fmt.Errorf("%w: %s", ErrPayloadAbsent, name)
	}

	entries, err := Parse(raw)
	if err != nil {
		_ = res.Release()
		return nil, err
	}
	table, err := NewTable(entries)
	if err != nil {
		_ = res.Release()
		return nil, err
	}

	return &Manifest{Table: table, resource: res}, nil
}

// Parse 解析 HuJSON 形式的依赖表负载。
func Parse(raw []byte) ([]Entry, error) {
	standardized, err := hujson.Standardize(append([]byte(nil), raw...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var p payload
	if err := json.Unmarshal(standardized, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if p.Bundles == nil {
		return nil, ErrPayloadAbsent
	}
	return *p.Bundles, nil
}

// Encode 将条目编码为 manifest 负载。
func Encode(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.MarshalIndent(payload{Bundles: &entries}, "", "  ")
}

// Write 校验条目后把 manifest bundle 原子写入 dir/name。
func Write(dir, name string, entries []Entry, codec storage.Codec) error {
	if _, err := NewTable(entries); err != nil {
		return err
	}
	data, err := Encode(entries)
	if err != nil {
		return err
	}
	return storage.WriteBundle(filepath.Join(dir, filepath.FromSlash(name)), storage.BundleSpec{
		Codec:   codec,
		Entries: []storage.EntrySpec{{Name: PayloadEntryName, Data: data}},
	})
}
