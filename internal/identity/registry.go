package identity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"Orca-Escrow/internal/escrow"
)

// registryABI 是身份注册表合约的最小只读 ABI。
const registryABI = `[{"inputs":[{"internalType":"uint256","name":"agentId","type":"uint256"}],"name":"ownerOf","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

// RegistryConfig describes how to reach the on-chain identity registry.
type RegistryConfig struct {
	RPCURL   string
	Contract common.Address
}

// RegistryResolver resolves agent ownership from an ERC-8004 style identity
// registry contract.
type RegistryResolver struct {
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
}

// NewRegistryResolver dials the configured RPC endpoint and prepares the
// registry call bindings.
func NewRegistryResolver(ctx context.Context, cfg RegistryConfig) (*RegistryResolver, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置身份注册表 RPC 地址")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("未配置身份注册表合约地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接身份注册表节点失败: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("解析注册表 ABI 失败: %w", err)
	}
	return &RegistryResolver{eth: eth, contract: cfg.Contract, abi: parsed}, nil
}

// OwnerOf 实现 Resolver：调用合约的 ownerOf(uint256) 只读方法。
// 零地址视为未注册。
func (r *RegistryResolver) OwnerOf(ctx context.Context, agent escrow.AgentID) (common.Address, error) {
	input, err := r.abi.Pack("ownerOf", new(big.Int).SetUint64(uint64(agent)))
	if err != nil {
		return common.Address{}, fmt.Errorf("编码 ownerOf 调用失败: %w", err)
	}
	output, err := r.eth.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: input}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("查询智能体所有者失败: %w", err)
	}
	results, err := r.abi.Unpack("ownerOf", output)
	if err != nil || len(results) != 1 {
		return common.Address{}, fmt.Errorf("解码 ownerOf 返回值失败: %w", err)
	}
	owner, ok := results[0].(common.Address)
	if !ok || owner == (common.Address{}) {
		return common.Address{}, ErrUnknownAgent
	}
	return owner, nil
}

// Close releases the underlying RPC connection.
func (r *RegistryResolver) Close() {
	if r != nil && r.eth != nil {
		r.eth.Close()
	}
}

// ensure interface compliance at compile time
var _ Resolver = (*RegistryResolver)(nil)
