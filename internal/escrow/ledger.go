package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

// Ledger 抽象了任务托管账本的持久化接口。
// Restore 与 Reopen 仅供引擎在外部转账失败时做补偿回滚，
// 不属于对外暴露的操作面。
type Ledger interface {
	Create(ctx context.Context, id TaskID, budget money.Amount, creator common.Address) (*Task, error)
	Get(ctx context.Context, id TaskID) (*Task, error)
	Spend(ctx context.Context, id TaskID, amount money.Amount) (remaining money.Amount, err error)
	Restore(ctx context.Context, id TaskID, amount money.Amount) error
	CloseTask(ctx context.Context, id TaskID) (refund money.Amount, err error)
	Reopen(ctx context.Context, id TaskID, refund money.Amount) error
	List(ctx context.Context, limit int) ([]*Task, error)
	Close() error
}

// MemoryLedger 以内存方式保存任务托管状态，用于单机部署与测试。
type MemoryLedger struct {
	mu    sync.RWMutex
	tasks map[TaskID]*Task
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tasks: make(map[TaskID]*Task)}
}

// Create 开立新的任务托管，资金已由调用方（引擎）确认到账。
func (m *MemoryLedger) Create(_ context.Context, id TaskID, budget money.Amount, creator common.Address) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if budget.IsZero() {
		return nil, ErrInvalidBudget
	}
	if _, ok := m.tasks[id]; ok {
		return nil, ErrDuplicateTask
	}
	now := time.Now().Unix()
	task := &Task{
		ID:        id,
		Budget:    budget,
		Remaining: budget,
		Creator:   creator,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasks[id] = task
	clone := *task
	return &clone, nil
}

// Get 返回任务快照。
func (m *MemoryLedger) Get(_ context.Context, id TaskID) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	clone := *task
	return &clone, nil
}

// Spend 先行扣减剩余预算。扣减发生在任何外部转账之前，
// 以保证并发或重入的第二笔支出不会重复占用同一份预算。
func (m *MemoryLedger) Spend(_ context.Context, id TaskID, amount money.Amount) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	if task.Status == StatusClosed {
		return 0, ErrTaskClosed
	}
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}
	if amount > task.Remaining {
		return 0, ErrInsufficientBudget
	}
	remaining, err := task.Remaining.Sub(amount)
	if err != nil {
		return 0, err
	}
	task.Remaining = remaining
	task.UpdatedAt = time.Now().Unix()
	return remaining, nil
}

// Restore 回滚一笔失败操作已扣减的预算。
func (m *MemoryLedger) Restore(_ context.Context, id TaskID, amount money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	restored, err := task.Remaining.Add(amount)
	if err != nil {
		return err
	}
	if restored > task.Budget {
		return xerrors.New(xerrors.CodeConflict, "回滚后余额超出预算")
	}
	task.Remaining = restored
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// CloseTask 关闭任务：置 Closed、记录退款额并清零余额，随后才允许发起退款转账。
func (m *MemoryLedger) CloseTask(_ context.Context, id TaskID) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	if task.Status == StatusClosed {
		return 0, ErrTaskClosed
	}
	refund := task.Remaining
	now := time.Now().Unix()
	task.Status = StatusClosed
	task.Remaining = 0
	task.UpdatedAt = now
	task.ClosedAt = now
	return refund, nil
}

// Reopen 撤销一次退款转账失败的关闭，恢复 Open 状态与余额。
func (m *MemoryLedger) Reopen(_ context.Context, id TaskID, refund money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusClosed {
		return xerrors.New(xerrors.CodeConflict, "任务并未处于关闭状态")
	}
	task.Status = StatusOpen
	task.Remaining = refund
	task.UpdatedAt = time.Now().Unix()
	task.ClosedAt = 0
	return nil
}

// List 返回最近更新的任务快照。
func (m *MemoryLedger) List(_ context.Context, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		clone := *task
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID.Hex() < results[j].ID.Hex()
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存账本无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Ledger = (*MemoryLedger)(nil)
