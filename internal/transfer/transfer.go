package transfer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
	"Orca-Escrow/internal/payment"
)

var (
	// ErrTransferFailed 表示外部资金转移原语执行失败。
	// 引擎收到该错误后必须回滚同一操作内已发生的状态变更。
	ErrTransferFailed = xerrors.New(CodeTransferFailed, "funds transfer failed")
	// ErrInsufficientFunds 表示付款方余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrUnavailable 表示结算通道暂时不可用。
	ErrUnavailable = xerrors.New(CodeUnavailable, "settlement unavailable")
)

const (
	CodeTransferFailed    xerrors.Code = "TRANSFER_FAILED"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeUnavailable       xerrors.Code = "SETTLEMENT_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "funds transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient funds",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "settlement unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// FundsTransfer 抽象了托管账户对外的资金转移原语。
// 两个方法都同步返回成功或失败，不存在需要事后补偿的部分成功状态。
// Pull 按 nonce 幂等：同一 nonce 第二次调用失败且不再移动资金。
type FundsTransfer interface {
	Transfer(ctx context.Context, to common.Address, amount money.Amount) error
	Pull(ctx context.Context, auth *payment.Authorization) error
	Close() error
}
