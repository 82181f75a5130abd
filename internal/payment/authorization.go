package payment

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

// Domain 是 EIP-712 域分隔符参数，绑定到具体代币合约与链。
// 构造后不可变更；换链或换代币需要显式换一个 Domain。
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

var (
	eip712DomainTypeHash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	transferWithAuthorizationTypeHash = crypto.Keccak256Hash(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)
)

// Separator 计算域分隔符哈希。
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(new(big.Int).SetUint64(d.ChainID).Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// Authorization 是一份签名的、限时的、一次性使用的支付授权，
// 对应 EIP-3009 TransferWithAuthorization 的消息体。
type Authorization struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       money.Amount   `json:"value"`
	ValidAfter  int64          `json:"valid_after"`
	ValidBefore int64          `json:"valid_before"`
	Nonce       common.Hash    `json:"nonce"`
	Signature   []byte         `json:"signature"`
}

// Digest 计算待签名摘要：keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash)。
func (a *Authorization) Digest(domain Domain) common.Hash {
	structHash := crypto.Keccak256Hash(
		transferWithAuthorizationTypeHash.Bytes(),
		common.LeftPadBytes(a.From.Bytes(), 32),
		common.LeftPadBytes(a.To.Bytes(), 32),
		common.LeftPadBytes(a.Value.BigInt().Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetInt64(a.ValidAfter).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetInt64(a.ValidBefore).Bytes(), 32),
		a.Nonce.Bytes(),
	)
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domain.Separator().Bytes(),
		structHash.Bytes(),
	)
}

// RecoverSigner 从签名恢复签名者地址。
// 兼容 v ∈ {0,1} 与以太坊惯用的 v ∈ {27,28} 两种形式。
func (a *Authorization) RecoverSigner(domain Domain) (common.Address, error) {
	if len(a.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, a.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := a.Digest(domain)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "签名恢复失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign 用私钥签署授权并填充 From 与 Signature 字段。
// From 必须在计算摘要之前落定，摘要覆盖 From。供测试与客户端 SDK 使用。
func (a *Authorization) Sign(domain Domain, key *ecdsa.PrivateKey) error {
	a.From = crypto.PubkeyToAddress(key.PublicKey)
	digest := a.Digest(domain)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return xerrors.Wrap(CodeInvalidSignature, err, "授权签名失败")
	}
	a.Signature = sig
	return nil
}
