package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/bundle-hub/internal/bundle"
	"github.com/any-hub/bundle-hub/internal/logging"
	"github.com/any-hub/bundle-hub/internal/manifest"
	"github.com/any-hub/bundle-hub/internal/storage"
)

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateReady
	stateDisposed
)

// Options 控制 Manager 的外部依赖与批处理参数。
type Options struct {
	Logger           logrus.FieldLogger
	Observer         bundle.Observer
	MaxParallelReads int64
	MaxTasksPerTick  int
}

// Stats 汇总缓存当前规模，可以从任意 goroutine 读取。
type Stats struct {
	Handles  int   `json:"handles"`
	Rentals  int   `json:"rentals"`
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
}

// RentalInfo 是未归还租约的只读描述。
type RentalInfo struct {
	ID     string `json:"id"`
	Bundle string `json:"bundle"`
	Kind   string `json:"kind"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// Manager 是 bundle 缓存的门面。除 Snapshot/Lookup/Stats/Rentals 外，
// 所有方法都必须在同一个拥有者 goroutine 上调用。
type Manager struct {
	opts   Options
	logger logrus.FieldLogger

	state        lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	manifestPath string
	source       *storage.FileSource
	manifest     *manifest.Manifest
	factory      *bundle.Factory
	queue        *bundle.TaskQueueProcessor

	mu      sync.Mutex
	rentals map[string]*bundle.Rental
}

// New 创建尚未初始化的 Manager。
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		rentals: make(map[string]*bundle.Rental),
	}
}

// Init 从 baseDir 读取名为 manifestName 的 manifest bundle 并建立缓存会话。
// 这是唯一会阻塞的操作；失败时返回 *InitError，Manager 保持未初始化状态，可以重试。
func (m *Manager) Init(ctx context.Context, baseDir, manifestName string) error {
	switch m.state {
	case stateReady:
		return bundle.ReportViolation(m.logger, "init", "bundle cache already initialized from %s", m.manifestPath)
	case stateDisposed:
		return bundle.ReportViolation(m.logger, "init", "bundle cache disposed")
	}

	path := filepath.Join(baseDir, manifestName)
	if baseDir == "" || manifestName == "" {
		return &InitError{Kind: InitManifestMissing, Path: path, Err: manifest.ErrMissing}
	}
	source, err := storage.NewFileSource(baseDir, m.opts.MaxParallelReads)
	if err != nil {
		return &InitError{Kind: InitManifestMissing, Path: path, Err: err}
	}
	path = filepath.Join(source.BaseDir(), manifestName)

	loaded, err := manifest.Load(ctx, source, manifestName)
	if err != nil {
		initErr := classifyInitError(path, err)
		m.logger.WithFields(logrus.Fields{
			"action": "init",
			"kind":   initErr.Kind,
			"path":   path,
		}).WithError(err).Error("bundle cache init failed")
		return initErr
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	factory := bundle.NewFactory(bundle.FactoryOptions{
		Source:   source,
		Logger:   m.logger,
		Observer: m.opts.Observer,
	})
	factory.Reset(sessionCtx, loaded.Table)
	queue := bundle.NewTaskQueueProcessor(factory, bundle.QueueOptions{
		MaxTasksPerTick: m.opts.MaxTasksPerTick,
		Logger:          m.logger,
	})
	queue.Reset(sessionCtx, loaded.Table)

	m.ctx = sessionCtx
	m.cancel = cancel
	m.manifestPath = path
	m.source = source
	m.manifest = loaded
	m.mu.Lock()
	m.factory = factory
	m.queue = queue
	m.mu.Unlock()
	m.state = stateReady

	m.logger.WithFields(logrus.Fields{
		"action":  "init",
		"path":    path,
		"bundles": loaded.Table.Len(),
	}).Info("bundle cache initialized")
	return nil
}

func (m *Manager) ready(op string) error {
	switch m.state {
	case stateCreated:
		return bundle.ReportViolation(m.logger, op, "bundle cache not initialized")
	case stateDisposed:
		return bundle.ReportViolation(m.logger, op, "bundle cache disposed")
	}
	return nil
}

// BaseDir 返回 bundle 文件所在的绝对目录，未初始化时为空。
func (m *Manager) BaseDir() string {
	if m.source == nil {
		return ""
	}
	return m.source.BaseDir()
}

// Table 返回当前会话的依赖表，未初始化时为 nil。
func (m *Manager) Table() *manifest.Table {
	if m.manifest == nil {
		return nil
	}
	return m.manifest.Table
}

// Rent 租借 name 的对象视图（不区分对象类型）。
func (m *Manager) Rent(name string) (*bundle.Rental, error) {
	return m.rent(name, bundle.KindObjects)
}

// RentBundle 租借 name 并返回按 T 过滤对象的视图。加载在后续 Update 中完成。
func RentBundle[T storage.Object](m *Manager, name string) (*bundle.Rented[T], error) {
	r, err := m.rent(name, bundle.KindObjects)
	if err != nil {
		return nil, err
	}
	return &bundle.Rented[T]{Rental: r}, nil
}

// RentBundleScene 租借 streamed scene bundle。加载结算时若 bundle 不是 scene，租约以 bundle.ErrNotScene 失败。
func (m *Manager) RentBundleScene(name string) (*bundle.RentedScene, error) {
	r, err := m.rent(name, bundle.KindScene)
	if err != nil {
		return nil, err
	}
	return &bundle.RentedScene{Rental: r}, nil
}

func (m *Manager) rent(name string, kind bundle.Kind) (*bundle.Rental, error) {
	if err := m.ready("rent"); err != nil {
		return nil, err
	}
	entry, ok := m.manifest.Table.Lookup(name)
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"action": "rent",
			"bundle": name,
			"kind":   kind.String(),
		}).Warn("unknown bundle name")
		return nil, fmt.Errorf("%w: %s", bundle.ErrUnknownBundle, name)
	}

	r, err := bundle.Rent(m.queue, entry.Name, kind)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.rentals[r.ID()] = r
	m.mu.Unlock()

	m.logger.WithFields(logging.RentalFields(r.ID(), r.Name(), kind.String())).
		WithField("action", "rent").
		Debug("bundle rented")
	return r, nil
}

// ReturnBundle 归还租约。租约立即变为 Returned，引用在后续 Update 中按依赖方在前的顺序释放。
func (m *Manager) ReturnBundle(lease bundle.Lease) (*bundle.Future[struct{}], error) {
	if err := m.ready("return"); err != nil {
		return nil, err
	}
	if lease == nil || lease.Lease() == nil {
		return nil, bundle.ReportViolation(m.logger, "return", "nil rental")
	}
	r := lease.Lease()

	m.mu.Lock()
	_, owned := m.rentals[r.ID()]
	m.mu.Unlock()
	if !owned && r.State() == bundle.RentalRented {
		return nil, bundle.ReportViolation(m.logger, "return", "rental %s was not issued by this cache", r.ID())
	}
	if err := r.MarkReturned(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.rentals, r.ID())
	m.mu.Unlock()

	future, err := m.queue.EnqueueUnload(r)
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(logging.RentalFields(r.ID(), r.Name(), r.Kind().String())).
		WithField("action", "return").
		Debug("bundle returned")
	return future, nil
}

// Update 推进一次缓存：处理排队任务、观察底层读取、结算加载与卸载。不会阻塞。
func (m *Manager) Update() error {
	if err := m.ready("update"); err != nil {
		return err
	}
	return m.queue.Update()
}

// Cancel 取消当前会话：尚未完成的加载会在下一次 Update 中以 context.Canceled 结束，
// 之后的租借也会直接失败。已加载的 bundle 不受影响，仍需归还或 Dispose。
func (m *Manager) Cancel() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Dispose 取消会话并释放所有 Handle 与 manifest 资源。重复调用属于契约违规。
func (m *Manager) Dispose() error {
	if m.state == stateDisposed {
		return bundle.ReportViolation(m.logger, "dispose", "bundle cache disposed twice")
	}
	wasReady := m.state == stateReady
	m.state = stateDisposed
	if !wasReady {
		return nil
	}

	m.cancel()
	var errs error
	errs = multierr.Append(errs, m.queue.Dispose())
	errs = multierr.Append(errs, m.factory.Dispose())
	errs = multierr.Append(errs, m.manifest.Release())

	m.mu.Lock()
	outstanding := len(m.rentals)
	m.rentals = make(map[string]*bundle.Rental)
	m.mu.Unlock()

	entry := m.logger.WithFields(logrus.Fields{
		"action":      "dispose",
		"outstanding": outstanding,
	})
	if errs != nil {
		entry.WithError(errs).Warn("bundle cache disposed with errors")
	} else {
		entry.Info("bundle cache disposed")
	}
	return errs
}

// Snapshot 返回 Handle 表快照，可以从任意 goroutine 调用。
func (m *Manager) Snapshot() []bundle.HandleInfo {
	if f := m.factoryRef(); f != nil {
		return f.Snapshot()
	}
	return nil
}

// Lookup 返回单个 bundle 当前 Handle 的快照。
func (m *Manager) Lookup(name string) (bundle.HandleInfo, bool) {
	if f := m.factoryRef(); f != nil {
		return f.Lookup(name)
	}
	return bundle.HandleInfo{}, false
}

// Stats 返回缓存规模统计，可以从任意 goroutine 调用。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	stats := Stats{Rentals: len(m.rentals)}
	factory, queue := m.factory, m.queue
	m.mu.Unlock()

	if factory != nil {
		stats.Handles = factory.Len()
	}
	if queue != nil {
		qs := queue.Stats()
		stats.Pending = qs.Pending
		stats.InFlight = qs.InFlight
	}
	return stats
}

// Rentals 返回未归还的租约，按 bundle 名称与 ID 排序。
func (m *Manager) Rentals() []RentalInfo {
	m.mu.Lock()
	list := make([]*bundle.Rental, 0, len(m.rentals))
	for _, r := range m.rentals {
		list = append(list, r)
	}
	m.mu.Unlock()

	result := make([]RentalInfo, 0, len(list))
	for _, r := range list {
		info := RentalInfo{ID: r.ID(), Bundle: r.Name(), Kind: r.Kind().String()}
		select {
		case <-r.Done():
			if err := r.Err(); err != nil {
				info.Error = err.Error()
			} else {
				info.Loaded = true
			}
		default:
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Bundle != result[j].Bundle {
			return result[i].Bundle < result[j].Bundle
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Manager) factoryRef() *bundle.Factory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.factory
}
