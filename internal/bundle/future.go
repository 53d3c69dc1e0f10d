package bundle

import (
	"context"
	"errors"
)

// ErrPending 表示 Future 尚未在任何 tick 中完成。
var ErrPending = errors.New("result pending")

// Future 是入队时返回的可等待结果，只会在 Update 中被 resolve。
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T, err error) {
	select {
	case <-f.done:
		return
	default:
	}
	f.value = value
	f.err = err
	close(f.done)
}

// Done 在结果可用时关闭。
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone 非阻塞地报告结果是否可用。
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result 返回结果；未完成时返回 ErrPending。
func (f *Future[T]) Result() (T, error) {
	if !f.IsDone() {
		var zero T
		return zero, ErrPending
	}
	return f.value, f.err
}

// Wait 阻塞到结果可用或 ctx 结束。结果只会由拥有者 goroutine 的 Update 产生，
// 因此不要在驱动 Update 的同一个 goroutine 上调用 Wait。
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
