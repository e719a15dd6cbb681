package syncgroup

import "sync"

// SyncGroup 是 sync.WaitGroup 的小包装：Go() 自动配对 Add/Done，
// 减少长生命周期 goroutine 漏掉 Done 的风险。
type SyncGroup struct {
	wg sync.WaitGroup
}

// New 创建 SyncGroup
func New() *SyncGroup {
	return &SyncGroup{}
}

// Go 启动一个受管 goroutine
func (g *SyncGroup) Go(fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait 等待所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
