package globalstate

import (
	"sync"
	"time"
)

// Status 是某一时刻的状态快照。
type Status struct {
	Phase     string    `json:"phase"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusManager 结构体用于管理进程的当前状态。
// 它使用 RWMutex 来保护对状态的并发读写。
type StatusManager struct {
	mu     sync.RWMutex
	status Status
}

// NewStatusManager 创建一个处于 "initializing" 阶段的状态管理器。
func NewStatusManager() *StatusManager {
	return &StatusManager{status: Status{Phase: "initializing", UpdatedAt: time.Now().UTC()}}
}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(phase, detail string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = Status{Phase: phase, Detail: detail, UpdatedAt: time.Now().UTC()}
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}
