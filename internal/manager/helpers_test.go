package manager

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/bundle-hub/internal/manifest"
	"github.com/any-hub/bundle-hub/internal/storage"
)

const testManifest = "manifest"

// writeFixture 写入一组 bundle：ui 依赖 textures，forest 是依赖 textures 的 scene。
func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeBundle(t, dir, "textures", storage.BundleSpec{
		Codec: storage.CodecZstd,
		Entries: []storage.EntrySpec{
			{Name: "grass.txt", Data: []byte("green")},
			{Name: "palette.json", Data: []byte(`{"colors": 3}`)},
			{Name: "grass.bin", Data: []byte{0x01, 0x02}},
		},
	})
	writeBundle(t, dir, "ui", storage.BundleSpec{
		Codec: storage.CodecLZ4,
		Entries: []storage.EntrySpec{
			{Name: "layout.jsonc", Data: []byte("// main menu\n{\"width\": 640,}")},
		},
	})
	writeBundle(t, dir, "forest", storage.BundleSpec{
		Codec:   storage.CodecXZ,
		SceneID: "forest-01",
	})

	entries := []manifest.Entry{
		{Name: "textures"},
		{Name: "ui", Dependencies: []string{"textures"}},
		{Name: "forest", Dependencies: []string{"textures"}},
	}
	if err := manifest.Write(dir, testManifest, entries, storage.CodecZstd); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func writeBundle(t *testing.T, dir, name string, spec storage.BundleSpec) {
	t.Helper()
	if err := storage.WriteBundle(filepath.Join(dir, name), spec); err != nil {
		t.Fatalf("write bundle %s: %v", name, err)
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(Options{Logger: quietLogger(), MaxParallelReads: 2})
	if err := m.Init(testContext(t), writeFixture(t), testManifest); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		if m.state != stateDisposed {
			_ = m.Dispose()
		}
	})
	return m
}

// pump 在当前 goroutine 上反复 Update，直到 done 关闭。
func pump(t *testing.T, m *Manager, done <-chan struct{}) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := m.Update(); err != nil {
			t.Fatalf("update: %v", err)
		}
		select {
		case <-done:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for cache")
		}
		time.Sleep(time.Millisecond)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
