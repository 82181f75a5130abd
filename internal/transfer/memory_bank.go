package transfer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
	"Orca-Escrow/internal/payment"
)

// MemoryBank 以内存账本实现 FundsTransfer，用于单机部署与测试。
// 托管账户 escrow 作为 Transfer 的出账方、Pull 的入账校验方。
type MemoryBank struct {
	mu       sync.Mutex
	escrow   common.Address
	balances map[common.Address]money.Amount
	pulled   map[common.Hash]struct{}
	failNext error
}

// NewMemoryBank 创建内存结算账本。
func NewMemoryBank(escrow common.Address) *MemoryBank {
	return &MemoryBank{
		escrow:   escrow,
		balances: make(map[common.Address]money.Amount),
		pulled:   make(map[common.Hash]struct{}),
	}
}

// Deposit 直接为账户注入余额，用于初始化测试场景。
func (b *MemoryBank) Deposit(account common.Address, amount money.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if next, err := b.balances[account].Add(amount); err == nil {
		b.balances[account] = next
	}
}

// Balance 返回账户当前余额。
func (b *MemoryBank) Balance(account common.Address) money.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

// FailNext 注入一次性的结算失败，用于回滚路径测试。
func (b *MemoryBank) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

func (b *MemoryBank) takeInjectedFailure() error {
	err := b.failNext
	b.failNext = nil
	return err
}

// Transfer 从托管账户向 to 转出 amount。
func (b *MemoryBank) Transfer(_ context.Context, to common.Address, amount money.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeInjectedFailure(); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	from := b.balances[b.escrow]
	if amount > from {
		return ErrInsufficientFunds
	}
	// 先出账再入账：出账方与入账方是同一账户时净额为零，不凭空铸币。
	b.balances[b.escrow] = from - amount
	next, err := b.balances[to].Add(amount)
	if err != nil {
		b.balances[b.escrow] = from
		return xerrors.Wrap(CodeTransferFailed, err, "入账溢出")
	}
	b.balances[to] = next
	return nil
}

// Pull 按授权从 From 拉取 Value 到 To。按 nonce 幂等：
// 同一 nonce 第二次调用直接失败，不再移动资金。
func (b *MemoryBank) Pull(_ context.Context, auth *payment.Authorization) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeInjectedFailure(); err != nil {
		return err
	}
	if auth == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "授权不能为空")
	}
	// 拉取只接受付给托管账户的授权；付给其他账户的授权
	// 不会让托管账户收到任何资金，一律拒绝。
	if auth.To != b.escrow {
		return xerrors.New(xerrors.CodeInvalidArgument, "授权收款方不是托管账户")
	}
	if _, ok := b.pulled[auth.Nonce]; ok {
		return payment.ErrAlreadyUsed
	}
	from := b.balances[auth.From]
	if auth.Value > from {
		return ErrInsufficientFunds
	}
	b.balances[auth.From] = from - auth.Value
	next, err := b.balances[auth.To].Add(auth.Value)
	if err != nil {
		b.balances[auth.From] = from
		return xerrors.Wrap(CodeTransferFailed, err, "入账溢出")
	}
	b.balances[auth.To] = next
	b.pulled[auth.Nonce] = struct{}{}
	return nil
}

// Close 对内存账本无需操作。
func (b *MemoryBank) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ FundsTransfer = (*MemoryBank)(nil)
