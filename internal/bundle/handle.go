package bundle

import (
	"github.com/any-hub/bundle-hub/internal/storage"
)

// State 是 Handle 的生命周期状态。
type State int

const (
	StateLoading State = iota
	StateLoaded
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Token 是消费方可以长期持有的不透明引用：同名 bundle 卸载后重新加载会得到新的 Generation。
type Token struct {
	Name       string `json:"name"`
	Generation uint64 `json:"generation"`
}

// Handle 是缓存内部对单个 bundle 的记录，只由 Factory 的表持有和修改。
//
// 不变量：
//   - LOADING/LOADED 期间 refCount > 0；
//   - 只有 LOADED 状态才真正递减 refCount，LOADING 期间的释放记入 deferredReleases；
//   - LOADING → LOADED、LOADED → UNLOADED 各只发生一次，UNLOADED 的 Handle 永不复用。
type Handle struct {
	name       string
	generation uint64
	depNames   []string
	deps       []*Handle

	refCount         int
	deferredReleases int
	state            State

	resource   storage.Resource
	objects    []storage.Object
	openReq    *storage.Request[storage.Resource]
	extractReq *storage.Request[[]storage.Object]
	err        error
}

func (h *Handle) Name() string           { return h.name }
func (h *Handle) Generation() uint64     { return h.generation }
func (h *Handle) State() State           { return h.state }
func (h *Handle) RefCount() int          { return h.refCount }
func (h *Handle) Dependencies() []string { return append([]string(nil), h.depNames...) }

// Token 返回 name + generation 形式的引用。
func (h *Handle) Token() Token {
	return Token{Name: h.name, Generation: h.generation}
}

// Err 返回加载失败的原因，成功或仍在加载时为 nil。
func (h *Handle) Err() error { return h.err }

func (h *Handle) isScene() bool {
	return h.resource != nil && h.resource.IsScene()
}

func (h *Handle) failed() bool {
	return h.state == StateUnloaded && h.err != nil
}

// liveRefs 返回扣除延迟释放后仍然有效的引用数。
func (h *Handle) liveRefs() int {
	return h.refCount - h.deferredReleases
}

// Progress 在 [0,1] 区间单调增长：前一半对应读文件，后一半对应对象提取。
func (h *Handle) Progress() float64 {
	switch h.state {
	case StateLoaded:
		return 1
	case StateUnloaded:
		if h.err != nil {
			return 0
		}
		return 1
	}

	if h.openReq == nil {
		return 0
	}
	progress := h.openReq.Progress() / 2
	switch {
	case h.extractReq != nil:
		progress += h.extractReq.Progress() / 2
	case h.resource != nil && h.resource.IsScene():
		// scene bundle 没有提取阶段，等待依赖期间停在一半。
	}
	return progress
}

// HandleInfo 是 Handle 的只读快照，供诊断接口输出。
type HandleInfo struct {
	Name             string   `json:"name"`
	Generation       uint64   `json:"generation"`
	State            string   `json:"state"`
	RefCount         int      `json:"ref_count"`
	DeferredReleases int      `json:"deferred_releases,omitempty"`
	Dependencies     []string `json:"dependencies"`
	Progress         float64  `json:"progress"`
	ObjectCount      int      `json:"object_count"`
	Scene            bool     `json:"scene"`
	SceneID          string   `json:"scene_id,omitempty"`
}

func (h *Handle) info() HandleInfo {
	info := HandleInfo{
		Name:             h.name,
		Generation:       h.generation,
		State:            h.state.String(),
		RefCount:         h.refCount,
		DeferredReleases: h.deferredReleases,
		Dependencies:     h.Dependencies(),
		Progress:         h.Progress(),
		ObjectCount:      len(h.objects),
	}
	if h.resource != nil && h.resource.IsScene() {
		info.Scene = true
		info.SceneID = h.resource.SceneID()
	}
	return info
}
