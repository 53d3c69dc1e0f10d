package storage

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// NewFileSource 以 baseDir 为根目录构建 bundle 读取源；maxParallel 限制同时读盘的 bundle 数量，
// 小于等于 0 时视为 1。
func NewFileSource(baseDir string, maxParallel int64) (*FileSource, error) {
	if baseDir == "" {
		return nil, errors.New("base dir required")
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &FileSource{
		baseDir: abs,
		sem:     semaphore.NewWeighted(maxParallel),
	}, nil
}

// FileSource 在后台 goroutine 中读取 bundle 文件，通过 semaphore 控制并发读盘。
type FileSource struct {
	baseDir string
	sem     *semaphore.Weighted
}

// BaseDir 返回解析后的绝对根目录。
func (s *FileSource) BaseDir() string {
	return s.baseDir
}

func (s *FileSource) Open(ctx context.Context, name string) *Request[Resource] {
	req := NewRequest[Resource](releaseQuietly)
	go func() {
		res, err := s.read(ctx, name, req.SetProgress)
		if err != nil {
			req.Complete(nil, err)
			return
		}
		req.Complete(res, nil)
	}()
	return req
}

func (s *FileSource) Extract(ctx context.Context, res Resource) *Request[[]Object] {
	req := NewRequest[[]Object](nil)
	go func() {
		objects, err := extract(ctx, res, req.SetProgress)
		req.Complete(objects, err)
	}()
	return req
}

// ReadBundle 同步读取单个 bundle 文件，供初始化阶段（manifest）等允许阻塞的路径使用。
func (s *FileSource) ReadBundle(ctx context.Context, name string) (Resource, error) {
	return s.read(ctx, name, func(float64) {})
}

func (s *FileSource) read(ctx context.Context, name string, progress func(float64)) (*fileResource, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	filePath, err := s.path(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	if _, err := copyWithProgress(ctx, &buf, f, info.Size(), progress); err != nil {
		return nil, err
	}

	raw := buf.Bytes()
	data, err := decompress(detectCodec(raw), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return parseBundle(name, data)
}

func (s *FileSource) path(name string) (string, error) {
	rel := strings.TrimSpace(name)
	if rel == "" {
		return "", errors.New("bundle name required")
	}
	rel = path.Clean("/" + filepath.ToSlash(rel))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", errors.New("bundle name required")
	}

	filePath := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, s.baseDir+string(filepath.Separator)) {
		return "", errors.New("invalid bundle path")
	}
	return filePath, nil
}

type tarEntry struct {
	name string
	data []byte
}

type fileResource struct {
	name    string
	sceneID string
	scene   bool

	mu       sync.Mutex
	entries  []tarEntry
	released bool
}

func (r *fileResource) Name() string    { return r.name }
func (r *fileResource) IsScene() bool   { return r.scene }
func (r *fileResource) SceneID() string { return r.sceneID }

func (r *fileResource) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.entries))
	for i, entry := range r.entries {
		names[i] = entry.name
	}
	return names
}

// ReadEntry 返回指定条目的原始字节。
func (r *fileResource) ReadEntry(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, ErrReleased
	}
	for _, entry := range r.entries {
		if entry.name == name {
			return entry.data, nil
		}
	}
	return nil, fmt.Errorf("%w: entry %s", ErrNotFound, name)
}

func (r *fileResource) snapshot() ([]tarEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, ErrReleased
	}
	return append([]tarEntry(nil), r.entries...), nil
}

func (r *fileResource) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return fmt.Errorf("%w: %s", ErrReleased, r.name)
	}
	r.released = true
	r.entries = nil
	return nil
}

func releaseQuietly(res Resource) {
	if res != nil {
		_ = res.Release()
	}
}

func parseBundle(name string, data []byte) (*fileResource, error) {
	res := &fileResource{name: name}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		entryName := strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")
		if entryName == SceneEntryName {
			res.scene = true
			res.sceneID = strings.TrimSpace(string(body))
			continue
		}
		res.entries = append(res.entries, tarEntry{name: entryName, data: body})
	}
	return res, nil
}

func extract(ctx context.Context, res Resource, progress func(float64)) ([]Object, error) {
	fr, ok := res.(*fileResource)
	if !ok {
		return nil, fmt.Errorf("unexpected resource type %T", res)
	}
	if fr.IsScene() {
		return nil, fmt.Errorf("%w: %s", ErrSceneBundle, fr.name)
	}
	entries, err := fr.snapshot()
	if err != nil {
		return nil, err
	}

	objects := make([]Object, 0, len(entries))
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj, err := decoders.decode(entry.name, entry.data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, fr.name, err)
		}
		objects = append(objects, obj)
		progress(float64(i+1) / float64(len(entries)))
	}
	progress(1)
	return objects, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress func(float64)) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
			if total > 0 {
				progress(float64(copied) / float64(total))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				progress(1)
				return copied, nil
			}
			return copied, err
		}
	}
}
