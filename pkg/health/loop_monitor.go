package health

import (
	"sync"
	"time"
)

// LoopMonitor 记录后台循环（回执消费、超时清理）的心跳、最近错误和已处理消息数
type LoopMonitor struct {
	mu        sync.Mutex
	lastTick  time.Time
	lastErr   string
	processed int64
}

// LoopState LoopMonitor 的快照
type LoopState struct {
	LastTick  time.Time
	LastError string
	Processed int64
}

func (m *LoopMonitor) Tick() {
	m.mu.Lock()
	m.lastTick = time.Now()
	m.mu.Unlock()
}

// Processed 累加成功处理的消息数，同时视为一次心跳
func (m *LoopMonitor) Processed(n int) {
	m.mu.Lock()
	m.processed += int64(n)
	m.lastTick = time.Now()
	m.mu.Unlock()
}

func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

func (m *LoopMonitor) LastError() string {
	return m.State().LastError
}

func (m *LoopMonitor) State() LoopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LoopState{LastTick: m.lastTick, LastError: m.lastErr, Processed: m.processed}
}

// Healthy 最近一次心跳是否在 maxAge 之内；从未心跳视为不健康
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	st := m.State()
	if st.LastTick.IsZero() {
		return false, 0, st.LastError
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	if now.Before(st.LastTick) {
		return true, 0, st.LastError
	}
	age = now.Sub(st.LastTick)
	return age <= maxAge, age, st.LastError
}
