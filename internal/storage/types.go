package storage

import (
	"context"
	"errors"
)

// Source 负责把 bundle 名称变成已打开的 Resource，再从 Resource 中提取对象。
// 两个步骤都是异步的：调用立即返回 Request，结果在后台 goroutine 中填充。
type Source interface {
	// Open 读取 BaseDir/<name> 并返回一个尚未完成的 Request。
	Open(ctx context.Context, name string) *Request[Resource]

	// Extract 将已打开的 Resource 解码为对象集合。scene bundle 不应调用该方法。
	Extract(ctx context.Context, res Resource) *Request[[]Object]
}

// Resource 表示一个已读入内存的 bundle 文件，使用完毕后必须 Release。
type Resource interface {
	Name() string
	// IsScene 为 true 时表示这是 streamed scene bundle，不包含可提取对象。
	IsScene() bool
	SceneID() string
	// Entries 返回 bundle 内的条目名称（按文件内顺序）。
	Entries() []string
	// ReadEntry 返回条目的原始字节，Release 之后调用返回 ErrReleased。
	ReadEntry(name string) ([]byte, error)
	Release() error
}

// Object 是 bundle 中解码后的单个对象，具体类型由扩展名决定。
type Object interface {
	Name() string
}

// SceneEntryName 标记 streamed scene bundle 的特殊条目名。
const SceneEntryName = ".scene"

var (
	// ErrNotFound 表示 bundle 文件不存在。
	ErrNotFound = errors.New("bundle file not found")
	// ErrCorrupt 表示 bundle 文件无法解压或解析。
	ErrCorrupt = errors.New("bundle file corrupt")
	// ErrReleased 表示 Resource 已经被释放。
	ErrReleased = errors.New("bundle resource already released")
	// ErrPending 表示 Request 尚未完成。
	ErrPending = errors.New("request still pending")
	// ErrSceneBundle 表示对 scene bundle 调用了对象提取。
	ErrSceneBundle = errors.New("streamed scene bundle has no objects")
)
