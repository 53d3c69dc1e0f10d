package bundle

import (
	"errors"
	"sync"
	"testing"

	"github.com/any-hub/bundle-hub/internal/manifest"
)

func TestAcquireCreatesOnlyOnce(t *testing.T) {
	c := newTestCache(t, newFakeSource(false), []manifest.Entry{{Name: "a"}})

	first, isNew, err := c.factory.Acquire("a")
	if err != nil || !isNew {
		t.Fatalf("first acquire should create: isNew=%v err=%v", isNew, err)
	}
	c.factory.startLoad(first)

	second, isNew, err := c.factory.Acquire("A")
	if err != nil || isNew {
		t.Fatalf("second acquire should reuse: isNew=%v err=%v", isNew, err)
	}
	if first != second {
		t.Fatalf("acquire should return the same handle")
	}
	if first.RefCount() != 2 || first.State() != StateLoading {
		t.Fatalf("unexpected handle: refs=%d state=%s", first.RefCount(), first.State())
	}
	if c.source.openCount() != 1 {
		t.Fatalf("expected 1 read, got %d", c.source.openCount())
	}
}

func TestAcquireConcurrentSingleCreator(t *testing.T) {
	c := newTestCache(t, newFakeSource(false), []manifest.Entry{{Name: "a"}})

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := c.factory.Acquire("a")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if isNew {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("exactly one acquire should create the handle, got %d", created)
	}
	if refs := c.refCount(t, "a"); refs != workers {
		t.Fatalf("expected %d refs, got %d", workers, refs)
	}
}

func TestAcquireUnknownName(t *testing.T) {
	c := newTestCache(t, newFakeSource(true), []manifest.Entry{{Name: "a"}})
	if _, _, err := c.factory.Acquire("ghost"); !errors.Is(err, ErrUnknownBundle) {
		t.Fatalf("expected ErrUnknownBundle, got %v", err)
	}
	if c.factory.Len() != 0 {
		t.Fatalf("unknown acquire should leave the table unchanged")
	}
}

func TestRefCountTracksAcquireMinusRelease(t *testing.T) {
	source := newFakeSource(true)
	c := newTestCache(t, source, []manifest.Entry{{Name: "a"}})

	h, _, _ := c.factory.Acquire("a")
	c.factory.startLoad(h)
	c.factory.poll()
	if h.State() != StateLoaded {
		t.Fatalf("expected loaded, got %s", h.State())
	}

	for i := 0; i < 3; i++ {
		if _, _, err := c.factory.Acquire("a"); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	for want := 3; want >= 1; want-- {
		if err := c.factory.Release("a"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if got := c.refCount(t, "a"); got != want {
			t.Fatalf("expected %d refs, got %d", want, got)
		}
	}

	if err := c.factory.Release("a"); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if h.State() != StateUnloaded {
		t.Fatalf("handle should be unloaded, got %s", h.State())
	}
	if _, ok := c.factory.Lookup("a"); ok {
		t.Fatalf("unloaded handle should leave the table")
	}
	if n := source.lastResource("a").releaseCount(); n != 1 {
		t.Fatalf("resource should be released once, got %d", n)
	}
}

func TestReleaseWhileLoadingDefersUnload(t *testing.T) {
	source := newFakeSource(false)
	c := newTestCache(t, source, []manifest.Entry{{Name: "a"}})

	h, _, _ := c.factory.Acquire("a")
	c.factory.startLoad(h)
	if err := c.factory.Release("a"); err != nil {
		t.Fatalf("release while loading: %v", err)
	}
	if h.State() != StateLoading || h.RefCount() != 1 {
		t.Fatalf("release during load must not unload: state=%s refs=%d", h.State(), h.RefCount())
	}
	if err := c.factory.Release("a"); !isViolation(err) {
		t.Fatalf("second release while loading should be a violation, got %v", err)
	}

	source.completeOpen(t, "a")
	c.factory.poll()
	source.completeExtract(t, "a", nil)
	c.factory.poll()

	if h.State() != StateUnloaded {
		t.Fatalf("deferred release should unload after load completes, got %s", h.State())
	}
	if c.factory.Len() != 0 {
		t.Fatalf("table should be empty")
	}
	if n := source.lastResource("a").releaseCount(); n != 1 {
		t.Fatalf("resource should be released once, got %d", n)
	}
}

func TestReleaseMisuseIsReported(t *testing.T) {
	c := newTestCache(t, newFakeSource(true), []manifest.Entry{{Name: "a"}})

	if err := c.factory.Release("a"); !isViolation(err) {
		t.Fatalf("release of unknown name should be a violation, got %v", err)
	}

	h, _, _ := c.factory.Acquire("a")
	c.factory.startLoad(h)
	c.factory.poll()
	if err := c.factory.Release("a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.factory.release(h); !isViolation(err) {
		t.Fatalf("double release should be a violation, got %v", err)
	}
}

func TestUnloadedHandleIsNeverReused(t *testing.T) {
	c := newTestCache(t, newFakeSource(true), []manifest.Entry{{Name: "a"}})

	first, _, _ := c.factory.Acquire("a")
	c.factory.startLoad(first)
	c.factory.poll()
	_ = c.factory.Release("a")

	second, isNew, err := c.factory.Acquire("a")
	if err != nil || !isNew {
		t.Fatalf("acquire after unload should create a fresh handle: isNew=%v err=%v", isNew, err)
	}
	if second == first || second.Generation() == first.Generation() {
		t.Fatalf("fresh handle expected, got generation %d twice", first.Generation())
	}
	if second.State() != StateLoading {
		t.Fatalf("fresh handle should start LOADING, got %s", second.State())
	}
}

func TestDependencyGatesExtraction(t *testing.T) {
	source := newFakeSource(false)
	c := newTestCache(t, source, []manifest.Entry{
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "a"},
	})

	a, _, _ := c.factory.Acquire("a")
	c.factory.startLoad(a)
	b, _, _ := c.factory.Acquire("b")
	c.factory.startLoad(b)

	source.completeOpen(t, "b")
	c.factory.poll()
	if source.extractRequest("b") != nil {
		t.Fatalf("b must not extract before its dependency is LOADED")
	}

	source.completeOpen(t, "a")
	c.factory.poll()
	source.completeExtract(t, "a", nil)
	c.factory.poll()
	if a.State() != StateLoaded {
		t.Fatalf("a should be loaded, got %s", a.State())
	}
	if source.extractRequest("b") == nil {
		t.Fatalf("b should start extracting once a is LOADED")
	}
	source.completeExtract(t, "b", nil)
	c.factory.poll()
	if b.State() != StateLoaded {
		t.Fatalf("b should be loaded, got %s", b.State())
	}
}

func TestFailedLoadLeavesTable(t *testing.T) {
	source := newFakeSource(true)
	source.failOpen["a"] = errBoom
	c := newTestCache(t, source, []manifest.Entry{{Name: "a"}})

	h, _, _ := c.factory.Acquire("a")
	c.factory.startLoad(h)
	c.factory.poll()

	var loadErr *LoadError
	if !errors.As(h.Err(), &loadErr) || !errors.Is(h.Err(), errBoom) {
		t.Fatalf("expected LoadError wrapping boom, got %v", h.Err())
	}
	if c.factory.Len() != 0 {
		t.Fatalf("failed handle should be removed from the table")
	}
	if err := c.factory.release(h); err != nil {
		t.Fatalf("releasing a failed handle should be a no-op, got %v", err)
	}
}

func TestFactoryDispose(t *testing.T) {
	source := newFakeSource(false)
	c := newTestCache(t, source, []manifest.Entry{{Name: "a"}, {Name: "b"}})

	a, _, _ := c.factory.Acquire("a")
	c.factory.startLoad(a)
	source.completeOpen(t, "a")
	c.factory.poll()
	source.completeExtract(t, "a", nil)
	c.factory.poll()

	b, _, _ := c.factory.Acquire("b")
	c.factory.startLoad(b)

	if err := c.factory.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if a.State() != StateUnloaded || b.State() != StateUnloaded {
		t.Fatalf("dispose should unload every handle")
	}
	if n := source.lastResource("a").releaseCount(); n != 1 {
		t.Fatalf("loaded resource should be released, got %d", n)
	}

	// b 的读取在销毁后才完成，结果必须被回收。
	source.completeOpen(t, "b")
	if n := source.lastResource("b").releaseCount(); n != 1 {
		t.Fatalf("late resource should be released, got %d", n)
	}

	if err := c.factory.Dispose(); !isViolation(err) {
		t.Fatalf("second dispose should be a violation, got %v", err)
	}
	if _, _, err := c.factory.Acquire("a"); !isViolation(err) {
		t.Fatalf("acquire after dispose should be a violation, got %v", err)
	}
}

func TestHandleProgressIsBlended(t *testing.T) {
	source := newFakeSource(false)
	c := newTestCache(t, source, []manifest.Entry{{Name: "a"}})

	h, _, _ := c.factory.Acquire("a")
	if p := h.Progress(); p != 0 {
		t.Fatalf("progress before read should be 0, got %v", p)
	}
	c.factory.startLoad(h)
	source.openRequest("a").SetProgress(0.5)
	if p := h.Progress(); p != 0.25 {
		t.Fatalf("half read should report 0.25, got %v", p)
	}

	source.completeOpen(t, "a")
	c.factory.poll()
	source.extractRequest("a").SetProgress(0.5)
	if p := h.Progress(); p != 0.75 {
		t.Fatalf("read done + half extract should report 0.75, got %v", p)
	}

	source.completeExtract(t, "a", nil)
	c.factory.poll()
	if p := h.Progress(); p != 1 {
		t.Fatalf("loaded handle should report 1, got %v", p)
	}
}
