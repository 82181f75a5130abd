package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
	"Orca-Escrow/internal/payment"
)

// tokenABI covers the two token entry points the settlement layer uses:
// plain ERC-20 transfer for payouts and EIP-3009 transferWithAuthorization
// for signature-authorized pulls.
const tokenABI = `[
  {"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address","name":"from","type":"address"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"uint256","name":"validAfter","type":"uint256"},{"internalType":"uint256","name":"validBefore","type":"uint256"},{"internalType":"bytes32","name":"nonce","type":"bytes32"},{"internalType":"uint8","name":"v","type":"uint8"},{"internalType":"bytes32","name":"r","type":"bytes32"},{"internalType":"bytes32","name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// ChainConfig describes how to construct a chain-backed settlement client.
type ChainConfig struct {
	Name   string
	RPCURL string
	Token  common.Address
}

// ChainSettlement implements FundsTransfer against an ERC-20 token contract.
// The transact opts carry the escrow account's signer; key management stays
// with the caller.
type ChainSettlement struct {
	mu       sync.Mutex
	name     string
	eth      *ethclient.Client
	token    *bind.BoundContract
	transact *bind.TransactOpts
}

// NewChainSettlement dials the configured RPC endpoint and binds the token
// contract.
func NewChainSettlement(ctx context.Context, cfg ChainConfig, transact *bind.TransactOpts) (*ChainSettlement, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置结算链 RPC 地址")
	}
	if cfg.Token == (common.Address{}) {
		return nil, errors.New("未配置结算代币合约地址")
	}
	if transact == nil {
		return nil, errors.New("未提供交易签名器")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接结算链节点失败: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}
	return &ChainSettlement{
		name:     cfg.Name,
		eth:      eth,
		token:    bind.NewBoundContract(cfg.Token, parsed, eth, eth, eth),
		transact: transact,
	}, nil
}

// Transfer moves amount from the escrow account to the recipient via the
// token's transfer entry point.
func (c *ChainSettlement) Transfer(ctx context.Context, to common.Address, amount money.Amount) error {
	if amount.IsZero() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := *c.transact
	opts.Context = ctx
	if _, err := c.token.Transact(&opts, "transfer", to, amount.BigInt()); err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "链上转账失败",
			xerrors.WithMetadata("chain", c.name))
	}
	return nil
}

// Pull submits the signature-authorized transfer. The token contract itself
// enforces per-nonce idempotency: a second submission with the same nonce
// reverts without moving funds.
func (c *ChainSettlement) Pull(ctx context.Context, auth *payment.Authorization) error {
	if auth == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "授权不能为空")
	}
	// 拉取只接受付给托管账户（交易签名账户）的授权。
	if auth.To != c.transact.From {
		return xerrors.New(xerrors.CodeInvalidArgument, "授权收款方不是托管账户")
	}
	v, r, s, err := splitSignature(auth.Signature)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := *c.transact
	opts.Context = ctx
	_, err = c.token.Transact(&opts, "transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value.BigInt(),
		new(big.Int).SetInt64(auth.ValidAfter),
		new(big.Int).SetInt64(auth.ValidBefore),
		auth.Nonce,
		v, r, s,
	)
	if err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "链上授权拉取失败",
			xerrors.WithMetadata("chain", c.name))
	}
	return nil
}

// Close releases the underlying RPC connection.
func (c *ChainSettlement) Close() error {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
	return nil
}

// splitSignature unpacks a 65-byte r‖s‖v signature into contract call
// arguments, normalizing v to the 27/28 convention ecrecover expects.
func splitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, payment.ErrInvalidSignature
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// ensure interface compliance at compile time
var _ FundsTransfer = (*ChainSettlement)(nil)
