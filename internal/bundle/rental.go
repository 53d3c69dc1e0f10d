package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/bundle-hub/internal/storage"
)

// RentalState 描述一次租借的生命周期，Returned 为终态。
type RentalState int

const (
	RentalRented RentalState = iota
	RentalReturned
)

func (s RentalState) String() string {
	if s == RentalReturned {
		return "returned"
	}
	return "rented"
}

// Kind 区分对象 bundle 与 streamed scene bundle 的租借。
type Kind int

const (
	KindObjects Kind = iota
	KindScene
)

func (k Kind) String() string {
	if k == KindScene {
		return "scene"
	}
	return "objects"
}

// Lease 由所有租约视图实现，manager 通过它取回底层 Rental 完成归还。
type Lease interface {
	Lease() *Rental
}

// Rental 表示一个消费方对某个 bundle（及其依赖闭包）的租约。
// 它不持有 Handle 指针供外部使用；对外只暴露 Token 与提取后的对象。
type Rental struct {
	id     uuid.UUID
	name   string
	kind   Kind
	state  RentalState
	load   *loadTask
	logger logrus.FieldLogger
}

// Rent 为 name 创建租约并立即排队加载。名称校验由调用方（manager）负责。
// KindScene 的租约在加载结算时校验 bundle 是否为 streamed scene，不是则以 ErrNotScene 失败。
func Rent(q *TaskQueueProcessor, name string, kind Kind) (*Rental, error) {
	task, err := q.enqueueLoad(name, kind)
	if err != nil {
		return nil, err
	}
	return &Rental{
		id:     uuid.New(),
		name:   name,
		kind:   kind,
		state:  RentalRented,
		load:   task,
		logger: q.logger,
	}, nil
}

// Lease 返回租约本身，Rented[T] 与 RentedScene 通过嵌入获得该方法。
func (r *Rental) Lease() *Rental { return r }

func (r *Rental) ID() string         { return r.id.String() }
func (r *Rental) Name() string       { return r.name }
func (r *Rental) Kind() Kind         { return r.kind }
func (r *Rental) State() RentalState { return r.state }

// Done 在加载结算（成功或失败）后关闭。
func (r *Rental) Done() <-chan struct{} {
	return r.load.future.Done()
}

// IsLoaded 报告根 bundle 及全部依赖是否都已 LOADED。
func (r *Rental) IsLoaded() bool {
	_, err := r.load.future.Result()
	return err == nil
}

// Err 返回加载错误；仍在加载时返回 ErrPending。
func (r *Rental) Err() error {
	_, err := r.load.future.Result()
	return err
}

// Wait 阻塞到加载结算，供不驱动 Update 的 goroutine 使用。
func (r *Rental) Wait(ctx context.Context) error {
	_, err := r.load.future.Wait(ctx)
	return err
}

// Token 返回根 Handle 的引用，加载完成前为零值。
func (r *Rental) Token() Token {
	token, _ := r.load.future.Result()
	return token
}

// Progress 返回闭包内各 Handle 进度的平均值：未开始读取为 0，加载成功后为 1。
// 加载失败时返回 0，失败原因由 Err 给出。
func (r *Rental) Progress() float64 {
	t := r.load
	if t.settled {
		if t.err != nil {
			return 0
		}
		return 1
	}
	if !t.started || len(t.acquired) == 0 {
		return 0
	}
	var sum float64
	for _, h := range t.acquired {
		sum += h.Progress()
	}
	return sum / float64(len(t.acquired))
}

// loadedRoot 在租约仍有效且加载成功时返回根 Handle，否则返回契约错误或加载错误。
func (r *Rental) loadedRoot(op string) (*Handle, error) {
	if r.state != RentalRented {
		return nil, violation(r.logger, op, "rental %s for %s already returned", r.id, r.name)
	}
	if _, err := r.load.future.Result(); err != nil {
		if errors.Is(err, ErrPending) {
			return nil, violation(r.logger, op, "bundle %s accessed before LOADED", r.name)
		}
		return nil, err
	}
	root := r.load.root
	if root == nil || root.state != StateLoaded {
		return nil, violation(r.logger, op, "bundle %s is not LOADED", r.name)
	}
	return root, nil
}

// Objects 返回根 bundle 中的全部对象，只能在 LOADED 之后调用。
func (r *Rental) Objects() ([]storage.Object, error) {
	root, err := r.loadedRoot("objects")
	if err != nil {
		return nil, err
	}
	if root.resource != nil && root.resource.IsScene() {
		return nil, violation(r.logger, "objects", "bundle %s is a streamed scene", r.name)
	}
	return append([]storage.Object(nil), root.objects...), nil
}

// SceneID 返回 streamed scene bundle 的场景标识，只能在 LOADED 之后调用。
func (r *Rental) SceneID() (string, error) {
	root, err := r.loadedRoot("scene_id")
	if err != nil {
		return "", err
	}
	if root.resource == nil || !root.resource.IsScene() {
		return "", violation(r.logger, "scene_id", "bundle %s is not a streamed scene", r.name)
	}
	return root.resource.SceneID(), nil
}

// MarkReturned 将租约置为 Returned；重复归还属于契约违规。
func (r *Rental) MarkReturned() error {
	if r.state != RentalRented {
		return violation(r.logger, "return", "rental %s for %s returned twice", r.id, r.name)
	}
	r.state = RentalReturned
	return nil
}

func (r *Rental) String() string {
	return fmt.Sprintf("rental(%s %s %s)", r.id, r.name, r.state)
}

// Rented 是按对象类型过滤的租约视图，T 通常是 *storage.TextObject 等具体类型。
type Rented[T storage.Object] struct {
	*Rental
}

// Objects 返回根 bundle 中类型为 T 的对象。
func (r *Rented[T]) Objects() ([]T, error) {
	all, err := r.Rental.Objects()
	if err != nil {
		return nil, err
	}
	result := make([]T, 0, len(all))
	for _, obj := range all {
		if typed, ok := obj.(T); ok {
			result = append(result, typed)
		}
	}
	return result, nil
}

// Object 按条目名返回类型为 T 的单个对象。
func (r *Rented[T]) Object(name string) (T, bool, error) {
	var zero T
	objects, err := r.Objects()
	if err != nil {
		return zero, false, err
	}
	for _, obj := range objects {
		if obj.Name() == name {
			return obj, true, nil
		}
	}
	return zero, false, nil
}

// RentedScene 是 streamed scene bundle 的租约视图。
type RentedScene struct {
	*Rental
}
