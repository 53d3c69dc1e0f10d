package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/bundle-hub/internal/manifest"
	"github.com/any-hub/bundle-hub/internal/storage"
)

type fakeObject struct{ name string }

func (o *fakeObject) Name() string { return o.name }

type otherObject struct{ name string }

func (o *otherObject) Name() string { return o.name }

type fakeResource struct {
	name     string
	sceneID  string
	mu       sync.Mutex
	released int
}

func (r *fakeResource) Name() string      { return r.name }
func (r *fakeResource) IsScene() bool     { return r.sceneID != "" }
func (r *fakeResource) SceneID() string   { return r.sceneID }
func (r *fakeResource) Entries() []string { return nil }
func (r *fakeResource) ReadEntry(string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (r *fakeResource) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	if r.released > 1 {
		return storage.ErrReleased
	}
	return nil
}

func (r *fakeResource) releaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// fakeSource 记录每次读取；auto 为 true 时请求立即完成，否则由测试手动完成。
type fakeSource struct {
	auto     bool
	scenes   map[string]string
	failOpen map[string]error

	mu          sync.Mutex
	opens       []string
	resources   map[string][]*fakeResource
	openReqs    map[string]*storage.Request[storage.Resource]
	extractReqs map[string]*storage.Request[[]storage.Object]
}

func newFakeSource(auto bool) *fakeSource {
	return &fakeSource{
		auto:        auto,
		scenes:      map[string]string{},
		failOpen:    map[string]error{},
		resources:   map[string][]*fakeResource{},
		openReqs:    map[string]*storage.Request[storage.Resource]{},
		extractReqs: map[string]*storage.Request[[]storage.Object]{},
	}
}

func (s *fakeSource) Open(ctx context.Context, name string) *storage.Request[storage.Resource] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, name)
	req := storage.NewRequest[storage.Resource](func(res storage.Resource) { _ = res.Release() })
	s.openReqs[name] = req
	if s.auto {
		s.completeOpenLocked(ctx, name)
	}
	return req
}

func (s *fakeSource) completeOpenLocked(ctx context.Context, name string) {
	req := s.openReqs[name]
	if err := ctx.Err(); err != nil {
		req.Complete(nil, err)
		return
	}
	if err := s.failOpen[name]; err != nil {
		req.Complete(nil, err)
		return
	}
	res := &fakeResource{name: name, sceneID: s.scenes[name]}
	s.resources[name] = append(s.resources[name], res)
	req.Complete(res, nil)
}

func (s *fakeSource) Extract(ctx context.Context, res storage.Resource) *storage.Request[[]storage.Object] {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := storage.NewRequest[[]storage.Object](nil)
	s.extractReqs[res.Name()] = req
	if s.auto {
		req.Complete(objectsFor(res.Name()), nil)
	}
	return req
}

func objectsFor(name string) []storage.Object {
	return []storage.Object{
		&fakeObject{name: name + "/a"},
		&otherObject{name: name + "/b"},
		&fakeObject{name: name + "/c"},
	}
}

func (s *fakeSource) completeOpen(t *testing.T, name string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openReqs[name] == nil {
		t.Fatalf("no open request for %s", name)
	}
	s.completeOpenLocked(context.Background(), name)
}

func (s *fakeSource) completeExtract(t *testing.T, name string, err error) {
	t.Helper()
	s.mu.Lock()
	req := s.extractReqs[name]
	s.mu.Unlock()
	if req == nil {
		t.Fatalf("no extract request for %s", name)
	}
	if err != nil {
		req.Complete(nil, err)
		return
	}
	req.Complete(objectsFor(name), nil)
}

func (s *fakeSource) openRequest(name string) *storage.Request[storage.Resource] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openReqs[name]
}

func (s *fakeSource) extractRequest(name string) *storage.Request[[]storage.Object] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extractReqs[name]
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

func (s *fakeSource) openOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opens...)
}

func (s *fakeSource) lastResource(name string) *fakeResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.resources[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type testCache struct {
	source  *fakeSource
	factory *Factory
	queue   *TaskQueueProcessor
	cancel  context.CancelFunc
}

func newTestCache(t *testing.T, source *fakeSource, entries []manifest.Entry) *testCache {
	t.Helper()
	table, err := manifest.NewTable(entries)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	logger := quietLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	factory := NewFactory(FactoryOptions{Source: source, Logger: logger})
	factory.Reset(ctx, table)
	queue := NewTaskQueueProcessor(factory, QueueOptions{Logger: logger})
	queue.Reset(ctx, table)
	return &testCache{source: source, factory: factory, queue: queue, cancel: cancel}
}

func (c *testCache) rent(t *testing.T, name string) *Rental {
	t.Helper()
	r, err := Rent(c.queue, name, KindObjects)
	if err != nil {
		t.Fatalf("rent %s: %v", name, err)
	}
	return r
}

func (c *testCache) giveBack(t *testing.T, r *Rental) *Future[struct{}] {
	t.Helper()
	if err := r.MarkReturned(); err != nil {
		t.Fatalf("mark returned: %v", err)
	}
	future, err := c.queue.EnqueueUnload(r)
	if err != nil {
		t.Fatalf("enqueue unload: %v", err)
	}
	return future
}

func (c *testCache) update(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := c.queue.Update(); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
}

func (c *testCache) refCount(t *testing.T, name string) int {
	t.Helper()
	info, ok := c.factory.Lookup(name)
	if !ok {
		t.Fatalf("bundle %s not in table", name)
	}
	return info.RefCount
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func isViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

var errBoom = fmt.Errorf("boom")
