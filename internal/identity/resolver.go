package identity

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/escrow"
)

// ErrUnknownAgent 表示智能体未在身份注册表中登记。
var ErrUnknownAgent = xerrors.New(CodeUnknownAgent, "agent not registered")

// CodeUnknownAgent 是未注册智能体的统一错误码。
const CodeUnknownAgent xerrors.Code = "UNKNOWN_AGENT"

func init() {
	xerrors.Register(CodeUnknownAgent, xerrors.Attributes{
		Message:   "agent not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Resolver 是引擎消费的外部能力：根据智能体标识返回其控制账户。
// 所有权可能在引擎之外发生变更，引擎每次操作都重新解析。
type Resolver interface {
	OwnerOf(ctx context.Context, agent escrow.AgentID) (common.Address, error)
}

// StaticResolver 用固定映射实现 Resolver，来源于配置或测试桩。
type StaticResolver struct {
	mu     sync.RWMutex
	owners map[escrow.AgentID]common.Address
}

// NewStaticResolver 用给定映射创建 StaticResolver。
func NewStaticResolver(owners map[escrow.AgentID]common.Address) *StaticResolver {
	cloned := make(map[escrow.AgentID]common.Address, len(owners))
	for agent, owner := range owners {
		cloned[agent] = owner
	}
	return &StaticResolver{owners: cloned}
}

// Register 登记或更新智能体的控制账户。
func (r *StaticResolver) Register(agent escrow.AgentID, owner common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[agent] = owner
}

// OwnerOf 实现 Resolver。
func (r *StaticResolver) OwnerOf(_ context.Context, agent escrow.AgentID) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[agent]
	if !ok {
		return common.Address{}, ErrUnknownAgent
	}
	return owner, nil
}

// ensure interface compliance at compile time
var _ Resolver = (*StaticResolver)(nil)
