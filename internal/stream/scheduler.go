package stream

import (
	"sync"
	"time"
)

// DefaultFrameInterval 约等于 60Hz 显示刷新的一帧。
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler 把高频到达的增量合并为每个刻度至多一次的回调，对应浏览器端
// requestAnimationFrame 的合并语义。实现必须支持并发调用。
type Scheduler interface {
	// Schedule 登记回调，同一刻度内后登记的回调替换先前的。
	Schedule(fn func())
	// Cancel 丢弃挂起的回调。
	Cancel()
	// Flush 立即同步执行挂起的回调并取消定时。
	Flush()
}

// frameScheduler 基于 time.Timer 实现按刻度合并。
type frameScheduler struct {
	mu       sync.Mutex
	interval time.Duration
	pending  func()
	timer    *time.Timer
}

// NewFrameScheduler 创建按固定刻度触发的合并调度器。
// interval 不为正时使用 DefaultFrameInterval。
func NewFrameScheduler(interval time.Duration) Scheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &frameScheduler{interval: interval}
}

func (s *frameScheduler) Schedule(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = fn
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.fire)
	}
}

func (s *frameScheduler) fire() {
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *frameScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}

func (s *frameScheduler) Flush() {
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
