package audit

import (
	"context"
	"sync"

	"Orca-Escrow/internal/escrow"
)

// Journal 保存托管引擎发出的审计事件，供对账与查询。
// 追加式：记录一经写入不再修改或删除。
type Journal interface {
	Append(ctx context.Context, event escrow.Event) error
	Recent(ctx context.Context, limit int) ([]escrow.Event, error)
	Close() error
}

// NewSink 将 Journal 适配为引擎可挂载的事件下游。
func NewSink(journal Journal) escrow.Sink {
	return escrow.SinkFunc(func(ctx context.Context, event escrow.Event) error {
		return journal.Append(ctx, event)
	})
}

// MemoryJournal 以内存保存最近的审计事件，用于单机部署与测试。
// 超出容量后丢弃最旧的记录。
type MemoryJournal struct {
	mu       sync.RWMutex
	events   []escrow.Event
	capacity int
}

// NewMemoryJournal 创建容量受限的内存日志。
func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryJournal{capacity: capacity}
}

// Append 追加一条事件。
func (j *MemoryJournal) Append(_ context.Context, event escrow.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	if len(j.events) > j.capacity {
		j.events = j.events[len(j.events)-j.capacity:]
	}
	return nil
}

// Recent 返回最新的 limit 条事件，新者在前。
func (j *MemoryJournal) Recent(_ context.Context, limit int) ([]escrow.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if limit > len(j.events) {
		limit = len(j.events)
	}
	results := make([]escrow.Event, 0, limit)
	for i := len(j.events) - 1; i >= len(j.events)-limit; i-- {
		results = append(results, j.events[i])
	}
	return results, nil
}

// Close 对内存日志无需操作。
func (j *MemoryJournal) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Journal = (*MemoryJournal)(nil)
