package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/bundle-hub/internal/storage"
)

func TestLoadParsesManifest(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, "bundles.manifest", []Entry{
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "a"},
	}, storage.CodecZstd); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := Load(context.Background(), newReader(t, dir), "bundles.manifest")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.Table.Len() != 2 {
		t.Fatalf("expected 2 bundles, got %d", m.Table.Len())
	}
	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("second release of a manifest should be a no-op: %v", err)
	}
}

func TestLoadAcceptsCommentsInPayload(t *testing.T) {
	dir := t.TempDir()
	payload := []byte(`{
  // shared textures first
  "bundles": [
    {"name": "shared"},
    {"name": "ui", "dependencies": ["shared"],},
  ],
}`)
	writeManifestBundle(t, dir, "m", payload)

	m, err := Load(context.Background(), newReader(t, dir), "m")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	defer m.Release()
	if !m.Table.Contains("UI") {
		t.Fatalf("ui should be declared")
	}
}

func TestLoadFailures(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "garbage"), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := storage.WriteBundle(filepath.Join(dir, "empty"), storage.BundleSpec{
		Entries: []storage.EntrySpec{{Name: "other.txt", Data: []byte("x")}},
	}); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	writeManifestBundle(t, dir, "nobundles", []byte(`{"version": 1}`))
	writeManifestBundle(t, dir, "cyclic", []byte(`{"bundles":[{"name":"a","dependencies":["b"]},{"name":"b","dependencies":["a"]}]}`))
	writeManifestBundle(t, dir, "broken", []byte(`{"bundles": [`))

	testCases := []struct {
		name string
		file string
		want error
	}{
		{"missing", "nope", ErrMissing},
		{"unreadable", "garbage", ErrUnreadable},
		{"payload absent", "empty", ErrPayloadAbsent},
		{"bundles key absent", "nobundles", ErrPayloadAbsent},
		{"cycle", "cyclic", ErrDependencyCycle},
		{"parse error", "broken", ErrInvalid},
	}

	reader := newReader(t, dir)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Load(context.Background(), reader, tc.file)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if m != nil {
				t.Fatalf("failed load should not return a manifest")
			}
		})
	}
}

func newReader(t *testing.T, dir string) *storage.FileSource {
	t.Helper()
	source, err := storage.NewFileSource(dir, 1)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	return source
}

func writeManifestBundle(t *testing.T, dir, name string, payload []byte) {
	t.Helper()
	if err := storage.WriteBundle(filepath.Join(dir, name), storage.BundleSpec{
		Entries: []storage.EntrySpec{{Name: PayloadEntryName, Data: payload}},
	}); err != nil {
		t.Fatalf("write manifest bundle: %v", err)
	}
}
