package storage

import (
	"context"
	"sync"
)

// Request 是一次后台读取/提取操作的句柄。生产者通过 SetProgress/Complete 推进，
// 消费者（缓存核心）在 tick 中轮询 Done/Progress/Result，不会阻塞调用线程。
type Request[T any] struct {
	mu        sync.Mutex
	progress  float64
	done      bool
	value     T
	err       error
	discarded bool
	release   func(T)
	doneCh    chan struct{}
}

// NewRequest 创建一个未完成的 Request。release 用于回收被 Discard 之后才到达的结果，可为 nil。
func NewRequest[T any](release func(T)) *Request[T] {
	return &Request[T]{
		release: release,
		doneCh:  make(chan struct{}),
	}
}

// SetProgress 更新进度，取值会被限制在 [0,1] 且只增不减。
func (r *Request[T]) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	r.mu.Lock()
	if !r.done && p > r.progress {
		r.progress = p
	}
	r.mu.Unlock()
}

// Complete 填充结果。重复调用返回 false 且不会覆盖第一次的结果。
func (r *Request[T]) Complete(value T, err error) bool {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return false
	}
	r.done = true
	r.progress = 1
	if r.discarded {
		release := r.release
		r.mu.Unlock()
		close(r.doneCh)
		if err == nil && release != nil {
			release(value)
		}
		return true
	}
	r.value = value
	r.err = err
	r.mu.Unlock()
	close(r.doneCh)
	return true
}

// Done 报告操作是否已经结束（成功或失败）。
func (r *Request[T]) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// DoneChan 在操作结束时关闭。
func (r *Request[T]) DoneChan() <-chan struct{} {
	return r.doneCh
}

// Progress 返回 [0,1] 区间的进度。
func (r *Request[T]) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Result 返回结果；操作未结束时返回 ErrPending。
func (r *Request[T]) Result() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		var zero T
		return zero, ErrPending
	}
	return r.value, r.err
}

// Wait 阻塞直到操作结束或 ctx 取消，仅供初始化等允许阻塞的路径使用。
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.doneCh:
		return r.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Discard 声明不再关心结果：已到达的结果立即回收，未到达的结果在 Complete 时回收。
func (r *Request[T]) Discard() {
	r.mu.Lock()
	if r.discarded {
		r.mu.Unlock()
		return
	}
	r.discarded = true
	if !r.done {
		r.mu.Unlock()
		return
	}
	value, err := r.value, r.err
	var zero T
	r.value = zero
	release := r.release
	r.mu.Unlock()
	if err == nil && release != nil {
		release(value)
	}
}
