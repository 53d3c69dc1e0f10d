package manager

import (
	"errors"
	"fmt"

	"github.com/any-hub/bundle-hub/internal/manifest"
)

// InitKind 区分初始化失败的原因。
type InitKind string

const (
	InitManifestMissing       InitKind = "manifest_missing"
	InitManifestUnreadable    InitKind = "manifest_unreadable"
	InitManifestPayloadAbsent InitKind = "manifest_payload_absent"
	InitManifestInvalid       InitKind = "manifest_invalid"
)

// InitError 描述 Init 失败：Kind 表示原因，Path 是 manifest 文件路径。
type InitError struct {
	Kind InitKind
	Path string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init bundle cache (%s) %s: %v", e.Kind, e.Path, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// classifyInitError 将 manifest 包的错误映射为 InitError。
func classifyInitError(path string, err error) *InitError {
	kind := InitManifestUnreadable
	switch {
	case errors.Is(err, manifest.ErrMissing):
		kind = InitManifestMissing
	case errors.Is(err, manifest.ErrPayloadAbsent):
		kind = InitManifestPayloadAbsent
	case errors.Is(err, manifest.ErrInvalid):
		kind = InitManifestInvalid
	}
	return &InitError{Kind: kind, Path: path, Err: err}
}
