package bundle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/bundle-hub/internal/logging"
	"github.com/any-hub/bundle-hub/internal/manifest"
	"github.com/any-hub/bundle-hub/internal/storage"
)

// Factory 独占 name → Handle 表。所有创建、引用计数变更、状态迁移与移除都在同一把锁内完成，
// 因此“检查后创建”和“检查后移除”对同名的其它 Acquire/Release 是原子的。
type Factory struct {
	source   storage.Source
	logger   logrus.FieldLogger
	observer Observer

	mu       sync.Mutex
	ctx      context.Context
	table    *manifest.Table
	handles  map[string]*Handle
	loading  []*Handle
	nextGen  uint64
	disposed bool
}

// FactoryOptions 控制 Factory 的外部依赖。
type FactoryOptions struct {
	Source   storage.Source
	Logger   logrus.FieldLogger
	Observer Observer
}

// NewFactory 构建空的 Factory，需要在 Reset 注入 manifest 后才能 Acquire。
func NewFactory(opts FactoryOptions) *Factory {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Factory{
		source:   opts.Source,
		logger:   logger,
		observer: observer,
		ctx:      context.Background(),
		handles:  make(map[string]*Handle),
	}
}

func handleKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Reset 注入会话 ctx（用于取消底层读取）与依赖表。
func (f *Factory) Reset(ctx context.Context, table *manifest.Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	f.ctx = ctx
	f.table = table
}

// Acquire 返回 name 对应的 Handle 并增加一次引用。已有未卸载的 Handle 时 isNew 为 false；
// 否则新建 LOADING 状态、引用数为 1 的 Handle 并返回 isNew=true，只有拿到 isNew 的调用方负责发起加载。
func (f *Factory) Acquire(name string) (*Handle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireLocked(name)
}

func (f *Factory) acquireLocked(name string) (*Handle, bool, error) {
	if f.disposed {
		return nil, false, violation(f.logger, "acquire", "factory disposed (bundle %s)", name)
	}
	entry, ok := f.table.Lookup(name)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownBundle, name)
	}

	key := handleKey(entry.Name)
	if h := f.handles[key]; h != nil && h.state != StateUnloaded {
		h.refCount++
		return h, false, nil
	}

	f.nextGen++
	h := &Handle{
		name:       entry.Name,
		generation: f.nextGen,
		depNames:   entry.Dependencies,
		state:      StateLoading,
		refCount:   1,
	}
	for _, dep := range entry.Dependencies {
		if d := f.handles[handleKey(dep)]; d != nil && d.state != StateUnloaded {
			h.deps = append(h.deps, d)
		}
	}
	f.handles[key] = h
	f.loading = append(f.loading, h)
	return h, true, nil
}

// startLoad 发起底层读取，只应由拿到 isNew=true 的调用方调用一次。
func (f *Factory) startLoad(h *Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h.state != StateLoading || h.openReq != nil {
		return
	}
	h.openReq = f.source.Open(f.ctx, h.name)
	f.observer.ReadIssued(h.name)
	f.logger.WithFields(logging.BundleFields(h.name, h.generation, h.state.String(), h.refCount)).
		WithField("action", "bundle_read").
		Debug("bundle read issued")
}

// Release 释放 name 当前 Handle 的一次引用。名称未知或引用已归零属于契约违规。
func (f *Factory) Release(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.handles[handleKey(name)]
	if h == nil {
		return violation(f.logger, "release", "release of unknown bundle %s", name)
	}
	return f.releaseLocked(h)
}

// release 按 Handle 身份释放，避免失败后同名新建的 Handle 被误释放。
func (f *Factory) release(h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseLocked(h)
}

func (f *Factory) releaseLocked(h *Handle) error {
	switch h.state {
	case StateLoading:
		if h.liveRefs() <= 0 {
			return violation(f.logger, "release", "release without matching acquire on loading bundle %s", h.name)
		}
		// 读取中的 bundle 不能卸载，等加载结束后统一结算。
		h.deferredReleases++
		return nil
	case StateLoaded:
		if h.refCount <= 0 {
			return violation(f.logger, "release", "release without matching acquire on bundle %s", h.name)
		}
		h.refCount--
		if h.refCount == 0 {
			f.unloadLocked(h)
		}
		return nil
	default:
		if h.err != nil {
			// 加载失败的 Handle 已经离表，引用随之作废。
			return nil
		}
		return violation(f.logger, "release", "double release of unloaded bundle %s (generation %d)", h.name, h.generation)
	}
}

// poll 推进所有 LOADING Handle：按创建顺序遍历，依赖总是先于依赖方被处理。
func (f *Factory) poll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	// 推进期间失败会连带其它 Handle，先全部推进再压缩列表。
	for _, h := range f.loading {
		if h.state == StateLoading {
			f.advanceLocked(h)
		}
	}
	remaining := f.loading[:0]
	for _, h := range f.loading {
		if h.state == StateLoading {
			remaining = append(remaining, h)
		}
	}
	for i := len(remaining); i < len(f.loading); i++ {
		f.loading[i] = nil
	}
	f.loading = remaining
}

func (f *Factory) advanceLocked(h *Handle) {
	if h.openReq == nil {
		return
	}
	if err := f.ctx.Err(); err != nil {
		f.failLocked(h, err)
		return
	}
	if h.resource == nil {
		if !h.openReq.Done() {
			return
		}
		res, err := h.openReq.Result()
		if err != nil {
			f.failLocked(h, err)
			return
		}
		h.resource = res
	}

	for _, dep := range h.deps {
		if dep.failed() {
			f.failLocked(h, fmt.Errorf("%w: %s: %v", ErrDependencyFailed, dep.name, dep.err))
			return
		}
		if dep.state != StateLoaded {
			// 依赖未就绪前不解析跨 bundle 引用。
			return
		}
	}

	if h.resource.IsScene() {
		f.markLoadedLocked(h, nil)
		return
	}

	if h.extractReq == nil {
		h.extractReq = f.source.Extract(f.ctx, h.resource)
	}
	if !h.extractReq.Done() {
		return
	}
	objects, err := h.extractReq.Result()
	if err != nil {
		f.failLocked(h, err)
		return
	}
	f.markLoadedLocked(h, objects)
}

func (f *Factory) markLoadedLocked(h *Handle, objects []storage.Object) {
	h.objects = objects
	h.state = StateLoaded
	h.deps = nil
	f.observer.HandleLoaded(h.name)

	if h.deferredReleases > 0 {
		h.refCount -= h.deferredReleases
		h.deferredReleases = 0
		if h.refCount <= 0 {
			h.refCount = 0
			f.unloadLocked(h)
		}
	}
}

func (f *Factory) failLocked(h *Handle, err error) {
	h.err = &LoadError{Name: h.name, Err: err}
	h.state = StateUnloaded
	h.deps = nil
	f.discardRequestsLocked(h)
	if h.resource != nil {
		if relErr := h.resource.Release(); relErr != nil {
			f.logger.WithError(relErr).WithField("bundle", h.name).Warn("bundle_release_failed")
		}
		h.resource = nil
	}
	f.removeLocked(h)
	f.observer.LoadFailed(h.name)
	f.logger.WithError(err).
		WithFields(logging.BundleFields(h.name, h.generation, h.state.String(), h.refCount)).
		WithField("action", "bundle_load_failed").
		Warn("bundle load failed")

	f.failDependentsLocked(h)
}

// failDependentsLocked 立即让依赖 h 的 LOADING Handle 失败并离表，
// 这样重试时会新建 Handle，而不是复用注定失败的旧 Handle。
func (f *Factory) failDependentsLocked(h *Handle) {
	for _, dependent := range f.loading {
		if dependent.state != StateLoading {
			continue
		}
		for _, dep := range dependent.deps {
			if dep == h {
				f.failLocked(dependent, fmt.Errorf("%w: %s: %v", ErrDependencyFailed, h.name, h.err))
				break
			}
		}
	}
}

// discardRequestsLocked 放弃未消费的异步结果；已经取走的 resource 由调用方自行释放。
func (f *Factory) discardRequestsLocked(h *Handle) {
	if h.openReq != nil && h.resource == nil {
		h.openReq.Discard()
	}
	if h.extractReq != nil {
		h.extractReq.Discard()
	}
}

func (f *Factory) unloadLocked(h *Handle) {
	if h.resource != nil {
		if err := h.resource.Release(); err != nil {
			f.logger.WithError(err).WithField("bundle", h.name).Warn("bundle_release_failed")
		}
		h.resource = nil
	}
	h.objects = nil
	h.openReq = nil
	h.extractReq = nil
	h.state = StateUnloaded
	f.removeLocked(h)
	f.observer.HandleUnloaded(h.name)
	f.logger.WithFields(logging.BundleFields(h.name, h.generation, h.state.String(), h.refCount)).
		WithField("action", "bundle_unload").
		Debug("bundle unloaded")
}

func (f *Factory) removeLocked(h *Handle) {
	key := handleKey(h.name)
	if f.handles[key] == h {
		delete(f.handles, key)
	}
}

// Lookup 返回 name 当前 Handle 的快照。
func (f *Factory) Lookup(name string) (HandleInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.handles[handleKey(name)]
	if h == nil {
		return HandleInfo{}, false
	}
	return h.info(), true
}

// Snapshot 返回表内全部 Handle 的快照，按名称排序。可以从任意 goroutine 调用。
func (f *Factory) Snapshot() []HandleInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]HandleInfo, 0, len(f.handles))
	for _, h := range f.handles {
		result = append(result, h.info())
	}
	sort.Slice(result, func(i, j int) bool {
		return handleKey(result[i].Name) < handleKey(result[j].Name)
	})
	return result
}

// Len 返回表内 Handle 数量。
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Dispose 卸载所有仍被持有的 Handle。重复调用属于契约违规。
func (f *Factory) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return violation(f.logger, "dispose", "factory disposed twice")
	}
	f.disposed = true

	var errs error
	for key, h := range f.handles {
		switch h.state {
		case StateLoading:
			f.discardRequestsLocked(h)
			h.err = &LoadError{Name: h.name, Err: ErrDisposed}
			if h.openReq != nil {
				f.observer.LoadFailed(h.name)
			}
		case StateLoaded:
			f.observer.HandleUnloaded(h.name)
		}
		if h.resource != nil {
			errs = multierr.Append(errs, h.resource.Release())
			h.resource = nil
		}
		h.objects = nil
		h.deps = nil
		h.state = StateUnloaded
		delete(f.handles, key)
	}
	f.loading = nil
	return errs
}
