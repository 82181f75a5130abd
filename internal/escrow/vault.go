package escrow

import (
	"context"
	"fmt"
	"sync"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

// Vault 抽象了智能体收益金库。
// Sweep 在发起出账转账之前就将余额清零（zero-then-transfer），
// Restore 仅供引擎在转账失败时回补余额，
// Debit 仅供引擎在后续步骤失败时撤销一笔刚完成的 Credit。
type Vault interface {
	Credit(ctx context.Context, agent AgentID, amount money.Amount) error
	Debit(ctx context.Context, agent AgentID, amount money.Amount) error
	Sweep(ctx context.Context, agent AgentID) (money.Amount, error)
	Restore(ctx context.Context, agent AgentID, amount money.Amount) error
	Earnings(ctx context.Context, agent AgentID) (money.Amount, error)
	Close() error
}

// MemoryVault 是共享金库：一个实例服务多个智能体，
// 按 AgentID 路由净收益到各自的余额。多租户部署下的规范形态。
type MemoryVault struct {
	mu       sync.RWMutex
	balances map[AgentID]money.Amount
}

// NewMemoryVault 创建共享内存金库。
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{balances: make(map[AgentID]money.Amount)}
}

// Credit 无条件增加智能体的累计收益；资金来源已由引擎完成授权。
// 金额为零是空操作而非错误。智能体账户在首次入账时隐式创建。
func (v *MemoryVault) Credit(_ context.Context, agent AgentID, amount money.Amount) error {
	if amount.IsZero() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.balances[agent].Add(amount)
	if err != nil {
		return err
	}
	v.balances[agent] = next
	return nil
}

// Debit 撤销一笔入账。余额不足以覆盖撤销额视为并发异常。
func (v *MemoryVault) Debit(_ context.Context, agent AgentID, amount money.Amount) error {
	if amount.IsZero() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.balances[agent].Sub(amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConflict, err, "撤销入账超过当前余额")
	}
	v.balances[agent] = next
	return nil
}

// Sweep 取出全部余额并清零。
func (v *MemoryVault) Sweep(_ context.Context, agent AgentID) (money.Amount, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	balance := v.balances[agent]
	if balance.IsZero() {
		return 0, ErrNoFunds
	}
	v.balances[agent] = 0
	return balance, nil
}

// Restore 回补一笔转账失败的提款。
func (v *MemoryVault) Restore(_ context.Context, agent AgentID, amount money.Amount) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.balances[agent].Add(amount)
	if err != nil {
		return err
	}
	v.balances[agent] = next
	return nil
}

// Earnings 返回当前累计收益。
func (v *MemoryVault) Earnings(_ context.Context, agent AgentID) (money.Amount, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[agent], nil
}

// Close 对内存金库无需操作。
func (v *MemoryVault) Close() error {
	return nil
}

// SovereignVault 是主权金库：整个实例只服务一个智能体，
// 净收益直接累计在单一余额上，提款一次性清空。
// 对应单智能体独立部署的配置形态。
type SovereignVault struct {
	mu       sync.Mutex
	agent    AgentID
	earnings money.Amount
}

// NewSovereignVault 创建只服务指定智能体的金库。
func NewSovereignVault(agent AgentID) *SovereignVault {
	return &SovereignVault{agent: agent}
}

func (v *SovereignVault) guard(agent AgentID) error {
	if agent != v.agent {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("主权金库仅服务 agent %d，收到 %d", v.agent, agent))
	}
	return nil
}

// Credit 将净收益累计到唯一余额。
func (v *SovereignVault) Credit(_ context.Context, agent AgentID, amount money.Amount) error {
	if err := v.guard(agent); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.earnings.Add(amount)
	if err != nil {
		return err
	}
	v.earnings = next
	return nil
}

// Debit 撤销一笔入账。
func (v *SovereignVault) Debit(_ context.Context, agent AgentID, amount money.Amount) error {
	if err := v.guard(agent); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.earnings.Sub(amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConflict, err, "撤销入账超过当前余额")
	}
	v.earnings = next
	return nil
}

// Sweep 清空并返回全部累计收益。
func (v *SovereignVault) Sweep(_ context.Context, agent AgentID) (money.Amount, error) {
	if err := v.guard(agent); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.earnings.IsZero() {
		return 0, ErrNoFunds
	}
	balance := v.earnings
	v.earnings = 0
	return balance, nil
}

// Restore 回补转账失败的提款。
func (v *SovereignVault) Restore(_ context.Context, agent AgentID, amount money.Amount) error {
	if err := v.guard(agent); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.earnings.Add(amount)
	if err != nil {
		return err
	}
	v.earnings = next
	return nil
}

// Earnings 返回累计收益。
func (v *SovereignVault) Earnings(_ context.Context, agent AgentID) (money.Amount, error) {
	if err := v.guard(agent); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.earnings, nil
}

// Close 对主权金库无需操作。
func (v *SovereignVault) Close() error {
	return nil
}

// ensure interface compliance at compile time
var (
	_ Vault = (*MemoryVault)(nil)
	_ Vault = (*SovereignVault)(nil)
)
