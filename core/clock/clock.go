package clock

import (
	"sync"
	"time"
)

// Clock 时间源抽象
// 所有时间线计算都从这里取 now，测试用 Manual 推进虚拟时间
type Clock interface {
	Now() time.Time
}

// systemClock 直接读系统时钟，time.Time 自带单调分量
type systemClock struct{}

// New 返回系统时钟
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Manual 手动推进的时钟，仅测试使用
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建固定起点的手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 将时钟向前拨动 d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set 直接设定当前时间
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
