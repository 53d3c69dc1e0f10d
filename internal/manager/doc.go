// Package manager 提供 bundle 缓存的对外门面：Init 读取 manifest，Rent/Return 管理租约，
// Update 由拥有者 goroutine 每个 tick 调用一次，Dispose 结束整个缓存会话。
package manager
