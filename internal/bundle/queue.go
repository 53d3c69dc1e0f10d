package bundle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/bundle-hub/internal/manifest"
)

// QueueOptions 控制 TaskQueueProcessor 的批处理行为。
type QueueOptions struct {
	// MaxTasksPerTick 限制单次 Update 处理的排队任务数，0 表示不限制。
	MaxTasksPerTick int
	Logger          logrus.FieldLogger
}

// QueueStats 是队列长度的快照，可以从任意 goroutine 读取。
type QueueStats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
}

// TaskQueueProcessor 串行化 load/unload 任务，每个 tick 由 Update 推进一次。
// 除 Stats 外，所有方法都必须在驱动 Update 的同一个 goroutine 上调用。
type TaskQueueProcessor struct {
	factory         *Factory
	logger          logrus.FieldLogger
	maxTasksPerTick int

	ctx      context.Context
	table    *manifest.Table
	pending  []queuedTask
	inFlight []*loadTask
	disposed bool

	pendingCount  atomic.Int64
	inFlightCount atomic.Int64
}

type queuedTask struct {
	load   *loadTask
	unload *unloadTask
}

type loadTask struct {
	name     string
	kind     Kind
	acquired []*Handle
	root     *Handle
	started  bool
	settled  bool
	err      error
	future   *Future[Token]
}

type unloadTask struct {
	load   *loadTask
	future *Future[struct{}]
}

// NewTaskQueueProcessor 构建绑定到 factory 的队列，需要 Reset 后才能处理加载。
func NewTaskQueueProcessor(factory *Factory, opts QueueOptions) *TaskQueueProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxTasks := opts.MaxTasksPerTick
	if maxTasks < 0 {
		maxTasks = 0
	}
	return &TaskQueueProcessor{
		factory:         factory,
		logger:          logger,
		maxTasksPerTick: maxTasks,
		ctx:             context.Background(),
	}
}

// Reset 注入会话 ctx 与依赖表。ctx 被取消后，尚未完成的加载会以取消错误结束。
func (q *TaskQueueProcessor) Reset(ctx context.Context, table *manifest.Table) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.ctx = ctx
	q.table = table
}

// EnqueueLoad 排队加载 name 及其依赖闭包，返回的 Future 在后续某次 Update 中 resolve 为根 Handle 的 Token。
func (q *TaskQueueProcessor) EnqueueLoad(name string) (*Future[Token], error) {
	task, err := q.enqueueLoad(name, KindObjects)
	if err != nil {
		return nil, err
	}
	return task.future, nil
}

func (q *TaskQueueProcessor) enqueueLoad(name string, kind Kind) (*loadTask, error) {
	if q.disposed {
		return nil, violation(q.logger, "enqueue_load", "queue disposed (bundle %s)", name)
	}
	task := &loadTask{name: name, kind: kind, future: newFuture[Token]()}
	q.pending = append(q.pending, queuedTask{load: task})
	q.pendingCount.Store(int64(len(q.pending)))
	return task, nil
}

// EnqueueUnload 排队归还 rental 持有的全部引用（根及其依赖闭包），在其加载结束之后才会执行。
func (q *TaskQueueProcessor) EnqueueUnload(r *Rental) (*Future[struct{}], error) {
	if q.disposed {
		return nil, violation(q.logger, "enqueue_unload", "queue disposed (bundle %s)", r.name)
	}
	if r.load == nil {
		return nil, violation(q.logger, "enqueue_unload", "rental %s has no load task", r.id)
	}
	task := &unloadTask{load: r.load, future: newFuture[struct{}]()}
	q.pending = append(q.pending, queuedTask{unload: task})
	q.pendingCount.Store(int64(len(q.pending)))
	return task.future, nil
}

// Update 是每个 tick 调用一次的非阻塞泵：处理排队任务、推进 Handle 状态、结算完成的加载。
func (q *TaskQueueProcessor) Update() error {
	if q.disposed {
		return violation(q.logger, "update", "queue disposed")
	}
	q.service()
	q.factory.poll()
	q.settle()
	q.pendingCount.Store(int64(len(q.pending)))
	q.inFlightCount.Store(int64(len(q.inFlight)))
	return nil
}

// Stats 返回最近一次 Update 之后的队列长度。
func (q *TaskQueueProcessor) Stats() QueueStats {
	return QueueStats{
		Pending:  q.pendingCount.Load(),
		InFlight: q.inFlightCount.Load(),
	}
}

func (q *TaskQueueProcessor) service() {
	if len(q.pending) == 0 {
		return
	}
	next := make([]queuedTask, 0, len(q.pending))
	served := 0
	var blocked map[string]bool
	for i, task := range q.pending {
		if q.maxTasksPerTick > 0 && served >= q.maxTasksPerTick {
			next = append(next, q.pending[i:]...)
			break
		}
		if task.load != nil {
			q.startLoad(task.load)
			served++
			continue
		}
		// 卸载必须等对应加载结算；闭包有交集的卸载之间保持入队顺序。
		if !task.unload.load.settled || overlaps(blocked, task.unload.load) {
			if blocked == nil {
				blocked = make(map[string]bool)
			}
			for _, name := range closureKeys(task.unload.load) {
				blocked[name] = true
			}
			next = append(next, task)
			continue
		}
		q.runUnload(task.unload)
		served++
	}
	q.pending = next
}

// closureKeys 返回加载任务涉及的全部名称（规范化后），包括尚未拿到 Handle 的根名称。
func closureKeys(t *loadTask) []string {
	keys := make([]string, 0, len(t.acquired)+1)
	keys = append(keys, handleKey(t.name))
	for _, h := range t.acquired {
		keys = append(keys, handleKey(h.name))
	}
	return keys
}

func overlaps(blocked map[string]bool, t *loadTask) bool {
	if len(blocked) == 0 {
		return false
	}
	for _, name := range closureKeys(t) {
		if blocked[name] {
			return true
		}
	}
	return false
}

func (q *TaskQueueProcessor) startLoad(t *loadTask) {
	if err := q.ctx.Err(); err != nil {
		q.finish(t, err)
		return
	}
	closure, err := q.table.Closure(t.name)
	if err != nil {
		q.finish(t, err)
		return
	}

	for _, name := range closure {
		h, isNew, err := q.factory.Acquire(name)
		if err != nil {
			q.releaseAcquired(t)
			q.finish(t, err)
			return
		}
		t.acquired = append(t.acquired, h)
		if isNew {
			q.factory.startLoad(h)
		}
	}
	t.root = t.acquired[len(t.acquired)-1]
	t.started = true
	q.inFlight = append(q.inFlight, t)
}

func (q *TaskQueueProcessor) settle() {
	if len(q.inFlight) == 0 {
		return
	}
	remaining := q.inFlight[:0]
	for _, t := range q.inFlight {
		if q.settleOne(t) {
			continue
		}
		remaining = append(remaining, t)
	}
	for i := len(remaining); i < len(q.inFlight); i++ {
		q.inFlight[i] = nil
	}
	q.inFlight = remaining
}

func (q *TaskQueueProcessor) settleOne(t *loadTask) bool {
	if err := q.ctx.Err(); err != nil {
		q.releaseAcquired(t)
		q.finish(t, err)
		return true
	}

	allLoaded := true
	for _, h := range t.acquired {
		if h.failed() {
			failure := h.err
			q.releaseAcquired(t)
			q.finish(t, failure)
			return true
		}
		if h.state != StateLoaded {
			allLoaded = false
		}
	}
	if !allLoaded {
		return false
	}
	if t.kind == KindScene && !t.root.isScene() {
		q.releaseAcquired(t)
		q.finish(t, fmt.Errorf("%w: %s", ErrNotScene, t.name))
		return true
	}
	t.settled = true
	t.future.resolve(t.root.Token(), nil)
	return true
}

// releaseAcquired 以依赖方在前、依赖在后的顺序释放任务已经拿到的引用，跳过已失败的 Handle。
func (q *TaskQueueProcessor) releaseAcquired(t *loadTask) {
	for i := len(t.acquired) - 1; i >= 0; i-- {
		h := t.acquired[i]
		if h.failed() {
			continue
		}
		if err := q.factory.release(h); err != nil {
			q.logger.WithError(err).WithField("bundle", h.name).Warn("bundle_release_failed")
		}
	}
	t.acquired = nil
	t.root = nil
}

func (q *TaskQueueProcessor) finish(t *loadTask, err error) {
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		err = &LoadError{Name: t.name, Err: err}
	}
	t.settled = true
	t.err = err
	t.future.resolve(Token{}, err)
}

func (q *TaskQueueProcessor) runUnload(u *unloadTask) {
	t := u.load
	var errs error
	for i := len(t.acquired) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, q.factory.release(t.acquired[i]))
	}
	t.acquired = nil
	t.root = nil
	u.future.resolve(struct{}{}, errs)
}

// Dispose 以 ErrDisposed 结束所有未完成的加载并丢弃排队任务；Handle 由 Factory.Dispose 统一卸载。
func (q *TaskQueueProcessor) Dispose() error {
	if q.disposed {
		return violation(q.logger, "dispose", "queue disposed twice")
	}
	q.disposed = true
	for _, task := range q.pending {
		if task.load != nil {
			q.finish(task.load, ErrDisposed)
			continue
		}
		task.unload.future.resolve(struct{}{}, nil)
	}
	for _, t := range q.inFlight {
		t.acquired = nil
		t.root = nil
		q.finish(t, ErrDisposed)
	}
	q.pending = nil
	q.inFlight = nil
	q.pendingCount.Store(0)
	q.inFlightCount.Store(0)
	return nil
}
