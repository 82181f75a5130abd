package money

import (
	"fmt"
	"math/big"
	"math/bits"
	"strconv"

	xerrors "Orca-Escrow/internal/errors"
)

// BpsDenominator 是基点换算的分母，1 bps = 0.01%。
const BpsDenominator = 10000

// Amount 表示以代币最小单位计价的无符号定点金额。
// 所有运算在溢出时立即失败，绝不静默回绕。
type Amount uint64

// ErrOverflow 表示金额运算超出了 uint64 表示范围。
var ErrOverflow = xerrors.New(xerrors.CodeOverflow, "金额运算溢出")

// Add 返回 a + b，溢出时报错。
func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return Amount(sum), nil
}

// Sub 返回 a - b，下溢时报错。
func (a Amount) Sub(b Amount) (Amount, error) {
	diff, borrow := bits.Sub64(uint64(a), uint64(b), 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return Amount(diff), nil
}

// IsZero 判断金额是否为零。
func (a Amount) IsZero() bool {
	return a == 0
}

// BigInt 返回金额对应的 big.Int，用于链上交互。
func (a Amount) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(a))
}

// String 实现 fmt.Stringer。
func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// FromBigInt 将链上返回的 big.Int 转换为 Amount。
func FromBigInt(v *big.Int) (Amount, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, xerrors.New(xerrors.CodeOverflow, fmt.Sprintf("金额超出可表示范围: %v", v))
	}
	return Amount(v.Uint64()), nil
}

// Parse 解析十进制字符串形式的金额。
func Parse(s string) (Amount, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额格式非法")
	}
	return Amount(v), nil
}

// Split 按基点费率将金额拆分为手续费与净额。
// fee = floor(amount * feeBps / 10000)，截断取整始终有利于金库一侧，
// 且对任意输入满足 fee + net == amount。
func Split(amount Amount, feeBps uint32) (fee, net Amount, err error) {
	if feeBps > BpsDenominator {
		return 0, 0, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("费率超出范围: %d bps", feeBps))
	}
	// 128 位中间乘积，amount * feeBps 不会丢失精度。
	hi, lo := bits.Mul64(uint64(amount), uint64(feeBps))
	quot, _ := bits.Div64(hi, lo, BpsDenominator)
	fee = Amount(quot)
	net = amount - fee
	return fee, net, nil
}
