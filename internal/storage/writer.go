package storage

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// EntrySpec 描述写入 bundle 的一个条目。
type EntrySpec struct {
	Name string
	Data []byte
}

// BundleSpec 描述一个待写入的 bundle：普通 bundle 提供 Entries，scene bundle 提供 SceneID。
type BundleSpec struct {
	Entries []EntrySpec
	SceneID string
	Codec   Codec
}

// EncodeBundle 将 spec 编码为 tar（可选压缩）字节。
func EncodeBundle(spec BundleSpec) ([]byte, error) {
	var out bytes.Buffer
	cw, err := compressWriter(spec.Codec, &out)
	if err != nil {
		return nil, err
	}

	tw := tar.NewWriter(cw)
	modTime := time.Unix(0, 0).UTC()
	write := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if spec.SceneID != "" {
		if err := write(SceneEntryName, []byte(spec.SceneID)); err != nil {
			return nil, err
		}
	}
	for _, entry := range spec.Entries {
		if entry.Name == "" {
			return nil, errors.New("entry name required")
		}
		if entry.Name == SceneEntryName {
			return nil, fmt.Errorf("entry name %s is reserved", SceneEntryName)
		}
		if err := write(entry.Name, entry.Data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := cw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WriteBundle 编码 spec 并以临时文件 + rename 的方式原子写入 filePath。
func WriteBundle(filePath string, spec BundleSpec) error {
	data, err := EncodeBundle(spec)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(filePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}
