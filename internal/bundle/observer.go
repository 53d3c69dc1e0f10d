package bundle

// Observer 接收缓存内部事件，用于指标采集。所有回调都在持有 Factory 锁时同步调用，实现方必须快速返回。
type Observer interface {
	ReadIssued(name string)
	HandleLoaded(name string)
	LoadFailed(name string)
	HandleUnloaded(name string)
}

type noopObserver struct{}

func (noopObserver) ReadIssued(string)     {}
func (noopObserver) HandleLoaded(string)   {}
func (noopObserver) LoadFailed(string)     {}
func (noopObserver) HandleUnloaded(string) {}
