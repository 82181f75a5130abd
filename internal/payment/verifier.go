package payment

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

var (
	// ErrAlreadyUsed 表示该 nonce 已被消费，授权永久失效。
	ErrAlreadyUsed = xerrors.New(CodeAlreadyUsed, "authorization nonce already used")
	// ErrNotYetValid 表示授权尚未进入生效窗口。
	ErrNotYetValid = xerrors.New(CodeNotYetValid, "authorization not yet valid")
	// ErrExpired 表示授权已过有效期，需要重新获取。
	ErrExpired = xerrors.New(CodeExpired, "authorization expired")
	// ErrInvalidSignature 表示签名无法恢复到声称的签名者。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid authorization signature")
)

const (
	CodeAlreadyUsed      xerrors.Code = "AUTH_ALREADY_USED"
	CodeNotYetValid      xerrors.Code = "AUTH_NOT_YET_VALID"
	CodeExpired          xerrors.Code = "AUTH_EXPIRED"
	CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"
)

func init() {
	xerrors.Register(CodeAlreadyUsed, xerrors.Attributes{
		Message:   "authorization nonce already used",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotYetValid, xerrors.Attributes{
		Message:   "authorization not yet valid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:   "authorization expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:   "invalid authorization signature",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// NonceStore 独占持有授权 nonce 的消费状态。
// consumed 一旦置位永不回退；Release 仅供同一原子操作内的补偿回滚。
type NonceStore interface {
	Consume(ctx context.Context, nonce common.Hash) error
	Release(ctx context.Context, nonce common.Hash) error
	Consumed(ctx context.Context, nonce common.Hash) (bool, error)
	Close() error
}

// MemoryNonceStore 以内存方式记录已消费的 nonce。
type MemoryNonceStore struct {
	mu       sync.Mutex
	consumed map[common.Hash]struct{}
}

// NewMemoryNonceStore 创建 MemoryNonceStore。
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{consumed: make(map[common.Hash]struct{})}
}

// Consume 原子地标记 nonce 已消费；重复消费返回 ErrAlreadyUsed。
func (s *MemoryNonceStore) Consume(_ context.Context, nonce common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consumed[nonce]; ok {
		return ErrAlreadyUsed
	}
	s.consumed[nonce] = struct{}{}
	return nil
}

// Release 撤销一次消费，仅在同一操作的资金拉取失败时由引擎调用。
func (s *MemoryNonceStore) Release(_ context.Context, nonce common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumed, nonce)
	return nil
}

// Consumed 查询 nonce 是否已消费。
func (s *MemoryNonceStore) Consumed(_ context.Context, nonce common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.consumed[nonce]
	return ok, nil
}

// Close 对内存实现无需操作。
func (s *MemoryNonceStore) Close() error {
	return nil
}

// Verifier 校验签名的限时一次性支付授权。
// 校验与 nonce 消费发生在同一次调用内（verify 即 consume），
// 消除了两个并发调用同时观察到"尚未消费"的竞态窗口。
type Verifier struct {
	mu     sync.Mutex
	domain Domain
	store  NonceStore
	now    func() time.Time
}

// VerifierOption 定义可选配置。
type VerifierOption func(*Verifier)

// WithClock 覆盖时钟，用于测试有效期窗口。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 构造授权校验器。
func NewVerifier(domain Domain, store NonceStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{domain: domain, store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Domain 返回校验器绑定的 EIP-712 域。
func (v *Verifier) Domain() Domain {
	return v.domain
}

// Verify 依次执行四项检查，每项产生独立的错误：
// (1) nonce 已消费 → ErrAlreadyUsed；
// (2) now < validAfter → ErrNotYetValid；
// (3) now > validBefore → ErrExpired；
// (4) 签名无法恢复到 From → ErrInvalidSignature。
// 全部通过后在返回前原子地消费 nonce，并返回授权金额。
// 过期或已消费的授权永久拒绝，调用方必须重新获取授权。
func (v *Verifier) Verify(ctx context.Context, auth *Authorization) (money.Amount, error) {
	if auth == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "授权不能为空")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	used, err := v.store.Consumed(ctx, auth.Nonce)
	if err != nil {
		return 0, err
	}
	if used {
		return 0, ErrAlreadyUsed
	}

	now := v.now().Unix()
	if now < auth.ValidAfter {
		return 0, ErrNotYetValid
	}
	if now > auth.ValidBefore {
		return 0, ErrExpired
	}

	signer, err := auth.RecoverSigner(v.domain)
	if err != nil {
		return 0, err
	}
	if signer != auth.From {
		return 0, ErrInvalidSignature
	}

	if err := v.store.Consume(ctx, auth.Nonce); err != nil {
		return 0, err
	}
	return auth.Value, nil
}

// Release 在同一原子操作的后续步骤失败时撤销 nonce 消费，
// 保证失败的操作不留下任何可观察效果。
func (v *Verifier) Release(ctx context.Context, nonce common.Hash) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.Release(ctx, nonce)
}

// ensure interface compliance at compile time
var _ NonceStore = (*MemoryNonceStore)(nil)
