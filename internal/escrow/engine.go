package escrow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
	"Orca-Escrow/internal/observability/alerting"
	"Orca-Escrow/internal/observability/metrics"
	"Orca-Escrow/internal/payment"
	"Orca-Escrow/pkg/logger"
)

// OwnerResolver 是引擎消费的身份能力：解析智能体的控制账户。
type OwnerResolver interface {
	OwnerOf(ctx context.Context, agent AgentID) (common.Address, error)
}

// FundsTransfer 是引擎消费的结算能力。
// 两个方法同步返回成败，不存在部分成功状态；
// Pull 按 nonce 幂等，重复调用不再移动资金。
type FundsTransfer interface {
	Transfer(ctx context.Context, to common.Address, amount money.Amount) error
	Pull(ctx context.Context, auth *payment.Authorization) error
}

// AuthorizationVerifier 校验并消费签名支付授权。
type AuthorizationVerifier interface {
	Verify(ctx context.Context, auth *payment.Authorization) (money.Amount, error)
	Release(ctx context.Context, nonce common.Hash) error
}

// FeeConfig 是进程级费率配置：金库地址与基点费率。
// 构造时设定，运行期不可变；调整费率属于显式的管理操作，
// 需要用新配置重建引擎。
type FeeConfig struct {
	Treasury common.Address
	FeeBps   uint32
}

// FundingProof 说明任务预算的资金来源：
// 要么携带一份签名授权（由引擎验证并拉取资金），
// 要么声明资金已通过预先批准的转账到账。
type FundingProof struct {
	Authorization *payment.Authorization
	Prefunded     bool
}

// Engine 将账本、金库、费率拆分、身份解析与结算原语编排为
// 对外可见的托管操作。引擎自身不持有状态，只定义原子边界：
// 每个操作按实体键独占执行，任何失败都不留下可观察的副作用。
type Engine struct {
	ledger   Ledger
	vault    Vault
	resolver OwnerResolver
	funds    FundsTransfer
	verifier AuthorizationVerifier
	fees      FeeConfig
	admin     common.Address
	hasAdmin  bool
	escrow    common.Address
	hasEscrow bool
	sink     Sink
	alerter  alerting.Dispatcher
	locks    *keyedMutex
	log      *slog.Logger
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithVerifier 配置签名授权校验器，启用签名拉取式注资。
func WithVerifier(verifier AuthorizationVerifier) EngineOption {
	return func(e *Engine) {
		e.verifier = verifier
	}
}

// WithSink 配置审计事件下游。
func WithSink(sink Sink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithAlerter 配置告警派发器。
func WithAlerter(alerter alerting.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.alerter = alerter
	}
}

// WithAdmin 配置管理员账户，持有关闭任务的管理兜底权限。
func WithAdmin(admin common.Address) EngineOption {
	return func(e *Engine) {
		e.admin = admin
		e.hasAdmin = true
	}
}

// WithEscrowAccount 配置托管账户地址。配置后，注资授权的收款方
// 必须是该账户：付给其他账户的授权不会给托管池注入任何资金，
// 若被接受，关闭任务的退款就会从池子里挪用其他任务的钱。
func WithEscrowAccount(account common.Address) EngineOption {
	return func(e *Engine) {
		e.escrow = account
		e.hasEscrow = true
	}
}

// NewEngine 构造托管引擎。
func NewEngine(ledger Ledger, vault Vault, resolver OwnerResolver, funds FundsTransfer, fees FeeConfig, opts ...EngineOption) (*Engine, error) {
	if ledger == nil || vault == nil || resolver == nil || funds == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "托管引擎依赖不完整")
	}
	if fees.FeeBps > money.BpsDenominator {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("费率超出范围: %d bps", fees.FeeBps))
	}
	if fees.FeeBps > 0 && fees.Treasury == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "费率非零时必须配置金库地址")
	}
	e := &Engine{
		ledger:   ledger,
		vault:    vault,
		resolver: resolver,
		funds:    funds,
		fees:     fees,
		locks:    newKeyedMutex(),
		log:      logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Fees 返回引擎的费率配置快照。
func (e *Engine) Fees() FeeConfig {
	return e.fees
}

func taskKey(id TaskID) string {
	return "task:" + id.Hex()
}

func agentKey(agent AgentID) string {
	return "agent:" + strconv.FormatUint(uint64(agent), 10)
}

func nonceKey(nonce common.Hash) string {
	return "nonce:" + nonce.Hex()
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CreateTask 开立任务托管。资金来源二选一：
// 携带签名授权时，引擎先校验并消费授权（verify 即 consume），
// 再经结算原语拉取预算；拉取失败则在同一操作内撤销消费，
// 整个创建不留任何痕迹。
func (e *Engine) CreateTask(ctx context.Context, id TaskID, budget money.Amount, creator common.Address, proof FundingProof) (task *Task, err error) {
	defer func() { metrics.ObserveOperation("create_task", outcomeOf(err)) }()
	unlockTask := e.locks.Lock(taskKey(id))
	defer unlockTask()

	if _, err := e.ledger.Get(ctx, id); err == nil {
		return nil, ErrDuplicateTask
	} else if !stdErrors.Is(err, ErrTaskNotFound) {
		return nil, err
	}
	if budget.IsZero() {
		return nil, ErrInvalidBudget
	}

	if proof.Authorization != nil {
		auth := proof.Authorization
		unlockNonce := e.locks.Lock(nonceKey(auth.Nonce))
		defer unlockNonce()

		if e.verifier == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置授权校验器")
		}
		// 收款方校验先于 Verify，被拒绝的授权不消费 nonce。
		if e.hasEscrow && auth.To != e.escrow {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权收款方不是托管账户")
		}
		value, err := e.verifier.Verify(ctx, auth)
		if err != nil {
			return nil, err
		}
		// EIP-3009 按 value 精确划转，授权金额必须与预算一致。
		if value != budget {
			_ = e.verifier.Release(ctx, auth.Nonce)
			return nil, xerrors.Wrap(CodeInvalidBudget, ErrInvalidBudget,
				fmt.Sprintf("授权金额 %s 与预算 %s 不符", value, budget))
		}
		if err := e.funds.Pull(ctx, auth); err != nil {
			metrics.ObserveRollback("create_task")
			_ = e.verifier.Release(ctx, auth.Nonce)
			e.alert(ctx, "create_task", err, id.Hex(), 0)
			return nil, err
		}
	} else if !proof.Prefunded {
		return nil, xerrors.New(xerrors.CodePaymentRequired, "任务创建缺少资金证明")
	}

	task, err = e.ledger.Create(ctx, id, budget, creator)
	if err != nil {
		// 资金已拉取而账本写入失败：退回付款方并撤销消费。
		if proof.Authorization != nil {
			metrics.ObserveRollback("create_task")
			if refundErr := e.funds.Transfer(ctx, proof.Authorization.From, budget); refundErr != nil {
				e.alert(ctx, "create_task_refund", refundErr, id.Hex(), 0)
			}
			_ = e.verifier.Release(ctx, proof.Authorization.Nonce)
		}
		return nil, err
	}

	event := newEvent(EventTaskCreated)
	event.TaskID = id.Hex()
	event.Creator = creator.Hex()
	event.Budget = budget
	e.emit(ctx, event)
	return task, nil
}

// Spend 从任务预算中支出给智能体：
// 解析所有者并校验调用者 → 先行扣减预算 → 拆分手续费 →
// 手续费入金库 → 净额入金库（vault）→ 发出审计事件。
// 金库转账失败时回滚扣减，操作整体无效。
func (e *Engine) Spend(ctx context.Context, id TaskID, agent AgentID, amount money.Amount, caller common.Address) (net money.Amount, err error) {
	defer func() { metrics.ObserveOperation("spend", outcomeOf(err)) }()
	unlockTask := e.locks.Lock(taskKey(id))
	defer unlockTask()
	unlockAgent := e.locks.Lock(agentKey(agent))
	defer unlockAgent()

	owner, err := e.resolver.OwnerOf(ctx, agent)
	if err != nil {
		return 0, err
	}
	if caller != owner {
		return 0, ErrUnauthorized
	}

	if _, err := e.ledger.Spend(ctx, id, amount); err != nil {
		return 0, err
	}

	fee, net, err := money.Split(amount, e.fees.FeeBps)
	if err != nil {
		e.rollbackSpend(ctx, id, amount)
		return 0, err
	}

	if err := e.vault.Credit(ctx, agent, net); err != nil {
		e.rollbackSpend(ctx, id, amount)
		return 0, err
	}

	// 外部转账放在最后：此前的扣减与入账都是引擎可控的内部记账，
	// 转账失败时整个操作仍可完整撤销。
	if fee > 0 {
		if err := e.funds.Transfer(ctx, e.fees.Treasury, fee); err != nil {
			e.rollbackCredit(ctx, agent, net)
			e.rollbackSpend(ctx, id, amount)
			e.alert(ctx, "spend", err, id.Hex(), uint64(agent))
			return 0, err
		}
	}

	spent := newEvent(EventTaskSpent)
	spent.TaskID = id.Hex()
	spent.AgentID = agent
	spent.Amount = amount
	e.emit(ctx, spent)

	credited := newEvent(EventAgentCredited)
	credited.AgentID = agent
	credited.Amount = net
	e.emit(ctx, credited)

	return net, nil
}

func (e *Engine) rollbackCredit(ctx context.Context, agent AgentID, amount money.Amount) {
	if err := e.vault.Debit(ctx, agent, amount); err != nil {
		e.log.Error("撤销金库入账失败",
			slog.Uint64("agent_id", uint64(agent)),
			slog.String("amount", amount.String()),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) rollbackSpend(ctx context.Context, id TaskID, amount money.Amount) {
	metrics.ObserveRollback("spend")
	if err := e.ledger.Restore(ctx, id, amount); err != nil {
		e.log.Error("回滚任务扣减失败",
			slog.String("task_id", id.Hex()),
			slog.String("amount", amount.String()),
			slog.Any("error", err),
		)
	}
}

// CloseTask 关闭任务并将剩余预算退还创建者。
// 仅任务创建者或管理员可关闭；先置 Closed 并清零余额，
// 退款转账失败则恢复 Open 状态，关闭整体无效。
func (e *Engine) CloseTask(ctx context.Context, id TaskID, caller common.Address) (refund money.Amount, err error) {
	defer func() { metrics.ObserveOperation("close_task", outcomeOf(err)) }()
	unlockTask := e.locks.Lock(taskKey(id))
	defer unlockTask()

	task, err := e.ledger.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if caller != task.Creator && !(e.hasAdmin && caller == e.admin) {
		return 0, ErrUnauthorized
	}

	refund, err = e.ledger.CloseTask(ctx, id)
	if err != nil {
		return 0, err
	}

	if refund > 0 {
		if err := e.funds.Transfer(ctx, task.Creator, refund); err != nil {
			metrics.ObserveRollback("close_task")
			if reopenErr := e.ledger.Reopen(ctx, id, refund); reopenErr != nil {
				e.log.Error("恢复关闭状态失败",
					slog.String("task_id", id.Hex()),
					slog.Any("error", reopenErr),
				)
			}
			e.alert(ctx, "close_task", err, id.Hex(), 0)
			return 0, err
		}
	}

	event := newEvent(EventTaskClosed)
	event.TaskID = id.Hex()
	event.Refund = refund
	e.emit(ctx, event)
	return refund, nil
}

// Withdraw 将智能体的全部累计收益提取给其控制账户。
// 余额在发起转账前清零（zero-then-transfer），并发或由转账触发的
// 重入提取会命中空余额而失败；转账失败则回补余额。
func (e *Engine) Withdraw(ctx context.Context, agent AgentID, caller common.Address) (amount money.Amount, err error) {
	defer func() { metrics.ObserveOperation("withdraw", outcomeOf(err)) }()
	unlockAgent := e.locks.Lock(agentKey(agent))
	defer unlockAgent()

	owner, err := e.resolver.OwnerOf(ctx, agent)
	if err != nil {
		return 0, err
	}
	if caller != owner {
		return 0, ErrUnauthorized
	}

	amount, err = e.vault.Sweep(ctx, agent)
	if err != nil {
		return 0, err
	}

	if err := e.funds.Transfer(ctx, owner, amount); err != nil {
		metrics.ObserveRollback("withdraw")
		if restoreErr := e.vault.Restore(ctx, agent, amount); restoreErr != nil {
			e.log.Error("回补提款余额失败",
				slog.Uint64("agent_id", uint64(agent)),
				slog.Any("error", restoreErr),
			)
		}
		e.alert(ctx, "withdraw", err, "", uint64(agent))
		return 0, err
	}

	event := newEvent(EventEarningsWithdrawn)
	event.AgentID = agent
	event.Amount = amount
	e.emit(ctx, event)
	return amount, nil
}

// GetTask 返回任务的只读快照；已关闭的任务同样可查。
func (e *Engine) GetTask(ctx context.Context, id TaskID) (*Task, error) {
	return e.ledger.Get(ctx, id)
}

// ListTasks 返回最近更新的任务快照。
func (e *Engine) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	return e.ledger.List(ctx, limit)
}

// Earnings 返回智能体当前累计收益。
func (e *Engine) Earnings(ctx context.Context, agent AgentID) (money.Amount, error) {
	return e.vault.Earnings(ctx, agent)
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(ctx, event); err != nil {
		e.log.Error("发出审计事件失败",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) alert(ctx context.Context, operation string, cause error, taskID string, agentID uint64) {
	if e.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Operation:  operation,
		TaskID:     taskID,
		AgentID:    agentID,
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		e.log.Error("派发告警失败", slog.Any("error", err))
	}
}
