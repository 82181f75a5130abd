package escrow_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/escrow"
	"Orca-Escrow/internal/identity"
	"Orca-Escrow/internal/money"
	"Orca-Escrow/internal/payment"
	"Orca-Escrow/internal/transfer"
)

var (
	tokenAddr    = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	escrowAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	treasuryAddr = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	creatorAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	ownerAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	adminAddr    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	strangerAddr = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

const testAgent escrow.AgentID = 1

type testRig struct {
	engine *escrow.Engine
	ledger *escrow.MemoryLedger
	vault  *escrow.MemoryVault
	bank   *transfer.MemoryBank
	domain payment.Domain
	key    *ecdsa.PrivateKey
	payer  common.Address
	events []escrow.Event
	mu     sync.Mutex
}

func newTestRig(t *testing.T, feeBps uint32) *testRig {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}

	rig := &testRig{
		ledger: escrow.NewMemoryLedger(),
		vault:  escrow.NewMemoryVault(),
		bank:   transfer.NewMemoryBank(escrowAddr),
		domain: payment.Domain{
			Name:              "USD Coin",
			Version:           "2",
			ChainID:           84532,
			VerifyingContract: tokenAddr,
		},
		key:   key,
		payer: crypto.PubkeyToAddress(key.PublicKey),
	}
	rig.bank.Deposit(rig.payer, 1_000_000000)

	resolver := identity.NewStaticResolver(map[escrow.AgentID]common.Address{
		testAgent: ownerAddr,
	})
	verifier := payment.NewVerifier(rig.domain, payment.NewMemoryNonceStore())

	sink := escrow.SinkFunc(func(_ context.Context, event escrow.Event) error {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		rig.events = append(rig.events, event)
		return nil
	})

	engine, err := escrow.NewEngine(rig.ledger, rig.vault, resolver, rig.bank, escrow.FeeConfig{
		Treasury: treasuryAddr,
		FeeBps:   feeBps,
	},
		escrow.WithVerifier(verifier),
		escrow.WithSink(sink),
		escrow.WithAdmin(adminAddr),
		escrow.WithEscrowAccount(escrowAddr),
	)
	if err != nil {
		t.Fatalf("构造引擎失败: %v", err)
	}
	rig.engine = engine
	return rig
}

func (r *testRig) signedAuth(t *testing.T, value money.Amount, nonce byte) *payment.Authorization {
	t.Helper()
	var n common.Hash
	n[31] = nonce
	auth := &payment.Authorization{
		To:          escrowAddr,
		Value:       value,
		ValidAfter:  0,
		ValidBefore: time.Now().Add(time.Hour).Unix(),
		Nonce:       n,
	}
	if err := auth.Sign(r.domain, r.key); err != nil {
		t.Fatalf("签署授权失败: %v", err)
	}
	return auth
}

func (r *testRig) eventTypes() []escrow.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]escrow.EventType, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

func taskID(b byte) escrow.TaskID {
	var id escrow.TaskID
	id[31] = b
	return id
}

func TestCreateTaskWithAuthorization(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100_000000, 1)
	task, err := rig.engine.CreateTask(ctx, taskID(1), 100_000000, rig.payer, escrow.FundingProof{Authorization: auth})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if task.Remaining != 100_000000 {
		t.Fatalf("剩余预算应等于预算，得到 %s", task.Remaining)
	}
	if got := rig.bank.Balance(escrowAddr); got != 100_000000 {
		t.Fatalf("托管账户应收到全额预算，得到 %s", got)
	}
	if got := rig.bank.Balance(rig.payer); got != 900_000000 {
		t.Fatalf("付款方余额应扣减预算，得到 %s", got)
	}

	types := rig.eventTypes()
	if len(types) != 1 || types[0] != escrow.EventTaskCreated {
		t.Fatalf("应发出一条 task_created 事件，得到 %v", types)
	}
}

func TestCreateTaskAuthorizationValueMismatch(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 50_000000, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100_000000, rig.payer, escrow.FundingProof{Authorization: auth}); err == nil {
		t.Fatal("授权金额与预算不符应失败")
	}
	if _, err := rig.ledger.Get(ctx, taskID(1)); !errors.Is(err, escrow.ErrTaskNotFound) {
		t.Fatalf("失败的创建不应留下任务记录: %v", err)
	}

	// 失败后 nonce 被释放，同一授权用正确的预算仍然可用。
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 50_000000, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("释放后的授权应可重新使用: %v", err)
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	// 重复 ID 在消费授权之前就被拒绝，第二份授权保持可用。
	auth2 := rig.signedAuth(t, 100, 2)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth2}); !errors.Is(err, escrow.ErrDuplicateTask) {
		t.Fatalf("重复创建应返回 ErrDuplicateTask，得到 %v", err)
	}
	if _, err := rig.engine.CreateTask(ctx, taskID(2), 100, rig.payer, escrow.FundingProof{Authorization: auth2}); err != nil {
		t.Fatalf("未消费的授权应仍然可用: %v", err)
	}
}

func TestCreateTaskPullFailureLeavesNoTrace(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	rig.bank.FailNext(transfer.ErrUnavailable)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err == nil {
		t.Fatal("资金拉取失败时创建应失败")
	}
	if _, err := rig.ledger.Get(ctx, taskID(1)); !errors.Is(err, escrow.ErrTaskNotFound) {
		t.Fatalf("失败的创建不应留下任务记录: %v", err)
	}
	if len(rig.eventTypes()) != 0 {
		t.Fatal("失败的创建不应发出事件")
	}

	// nonce 已释放，重试同一授权成功。
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("重试应成功: %v", err)
	}
}

func TestCreateTaskRequiresFundingProof(t *testing.T) {
	rig := newTestRig(t, 100)
	if _, err := rig.engine.CreateTask(context.Background(), taskID(1), 100, creatorAddr, escrow.FundingProof{}); xerrors.CodeOf(err) != xerrors.CodePaymentRequired {
		t.Fatalf("缺少资金证明应返回 PAYMENT_REQUIRED，得到 %v", err)
	}
}

func TestAuthorizationSingleUseAcrossTasks(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := rig.engine.CreateTask(ctx, taskID(2), 100, rig.payer, escrow.FundingProof{Authorization: auth}); !errors.Is(err, payment.ErrAlreadyUsed) {
		t.Fatalf("重放授权应返回 ErrAlreadyUsed，得到 %v", err)
	}
}

func TestCreateTaskRejectsAuthorizationNotPayingEscrow(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	attackerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	attacker := crypto.PubkeyToAddress(attackerKey.PublicKey)
	rig.bank.Deposit(attacker, 100)

	// 收款方是攻击者自己：签名有效，但托管账户收不到一分钱。
	var n common.Hash
	n[31] = 7
	auth := &payment.Authorization{
		To:          attacker,
		Value:       100,
		ValidBefore: time.Now().Add(time.Hour).Unix(),
		Nonce:       n,
	}
	if err := auth.Sign(rig.domain, attackerKey); err != nil {
		t.Fatalf("签署授权失败: %v", err)
	}

	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, attacker, escrow.FundingProof{Authorization: auth}); err == nil {
		t.Fatal("付给非托管账户的授权应被拒绝")
	}
	if _, err := rig.ledger.Get(ctx, taskID(1)); !errors.Is(err, escrow.ErrTaskNotFound) {
		t.Fatalf("被拒绝的创建不应留下任务记录: %v", err)
	}
	if got := rig.bank.Balance(attacker); got != 100 {
		t.Fatalf("被拒绝的创建不应移动资金，攻击者余额 %s", got)
	}
	if got := rig.bank.Balance(escrowAddr); !got.IsZero() {
		t.Fatalf("托管账户不应有入账，得到 %s", got)
	}
	// nonce 未被消费，同一攻击者改付托管账户后可正常注资。
	honest := &payment.Authorization{
		To:          escrowAddr,
		Value:       100,
		ValidBefore: time.Now().Add(time.Hour).Unix(),
		Nonce:       n,
	}
	if err := honest.Sign(rig.domain, attackerKey); err != nil {
		t.Fatalf("签署授权失败: %v", err)
	}
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, attacker, escrow.FundingProof{Authorization: honest}); err != nil {
		t.Fatalf("付给托管账户的授权应成功: %v", err)
	}
	if got := rig.bank.Balance(escrowAddr); got != 100 {
		t.Fatalf("托管账户应收到预算，得到 %s", got)
	}
}

func TestSpendSplitsFeeExactly(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100_000000, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100_000000, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	net, err := rig.engine.Spend(ctx, taskID(1), testAgent, 50_000000, ownerAddr)
	if err != nil {
		t.Fatalf("支出失败: %v", err)
	}
	if net != 49_500000 {
		t.Fatalf("净额应为 49500000，得到 %s", net)
	}
	if got := rig.bank.Balance(treasuryAddr); got != 500000 {
		t.Fatalf("金库应收到 500000 手续费，得到 %s", got)
	}
	earnings, _ := rig.vault.Earnings(ctx, testAgent)
	if earnings != 49_500000 {
		t.Fatalf("收益应为 49500000，得到 %s", earnings)
	}
	task, _ := rig.ledger.Get(ctx, taskID(1))
	if task.Remaining != 50_000000 {
		t.Fatalf("剩余预算应为 50000000，得到 %s", task.Remaining)
	}

	types := rig.eventTypes()
	if len(types) != 3 || types[1] != escrow.EventTaskSpent || types[2] != escrow.EventAgentCredited {
		t.Fatalf("事件序列异常: %v", types)
	}
}

func TestSpendUnauthorizedLeavesNoTrace(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 50, strangerAddr); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("非所有者支出应返回 ErrUnauthorized，得到 %v", err)
	}
	task, _ := rig.ledger.Get(ctx, taskID(1))
	if task.Remaining != 100 {
		t.Fatalf("被拒绝的支出不应扣减预算，得到 %s", task.Remaining)
	}
	earnings, _ := rig.vault.Earnings(ctx, testAgent)
	if !earnings.IsZero() {
		t.Fatalf("被拒绝的支出不应产生收益，得到 %s", earnings)
	}
}

func TestSpendUnknownAgent(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := rig.engine.Spend(ctx, taskID(1), 99, 10, ownerAddr); !errors.Is(err, identity.ErrUnknownAgent) {
		t.Fatalf("未注册智能体应返回 ErrUnknownAgent，得到 %v", err)
	}
}

func TestSpendTransferFailureRollsBack(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100_000000, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100_000000, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	rig.bank.FailNext(transfer.ErrTransferFailed)
	if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 50_000000, ownerAddr); err == nil {
		t.Fatal("手续费转账失败时支出应失败")
	}
	task, _ := rig.ledger.Get(ctx, taskID(1))
	if task.Remaining != 100_000000 {
		t.Fatalf("失败的支出应回滚扣减，得到 %s", task.Remaining)
	}
	earnings, _ := rig.vault.Earnings(ctx, testAgent)
	if !earnings.IsZero() {
		t.Fatalf("失败的支出不应产生收益，得到 %s", earnings)
	}
	if got := rig.bank.Balance(treasuryAddr); !got.IsZero() {
		t.Fatalf("失败的支出不应给金库入账，得到 %s", got)
	}
}

func TestSpendInsufficientBudget(t *testing.T) {
	rig := newTestRig(t, 0)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 101, ownerAddr); !errors.Is(err, escrow.ErrInsufficientBudget) {
		t.Fatalf("超额支出应返回 ErrInsufficientBudget，得到 %v", err)
	}
}

func TestCloseTaskRefundsCreator(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100_000000, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100_000000, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 40_000000, ownerAddr); err != nil {
		t.Fatalf("支出失败: %v", err)
	}

	refund, err := rig.engine.CloseTask(ctx, taskID(1), rig.payer)
	if err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if refund != 60_000000 {
		t.Fatalf("退款额应为 60000000，得到 %s", refund)
	}
	if got := rig.bank.Balance(rig.payer); got != 960_000000 {
		t.Fatalf("创建者应收到退款，余额 %s", got)
	}

	// 关闭是终态。
	if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 1, ownerAddr); !errors.Is(err, escrow.ErrTaskClosed) {
		t.Fatalf("关闭后支出应返回 ErrTaskClosed，得到 %v", err)
	}
	if _, err := rig.engine.CloseTask(ctx, taskID(1), rig.payer); !errors.Is(err, escrow.ErrTaskClosed) {
		t.Fatalf("重复关闭应返回 ErrTaskClosed，得到 %v", err)
	}
	// 记录保留可查。
	task, err := rig.engine.GetTask(ctx, taskID(1))
	if err != nil || task.Status != escrow.StatusClosed {
		t.Fatalf("关闭的任务应保留可查: %v", err)
	}
}

func TestCloseTaskAuthorization(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	if _, err := rig.engine.CloseTask(ctx, taskID(1), strangerAddr); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("外人关闭应返回 ErrUnauthorized，得到 %v", err)
	}
	// 管理员兜底可关闭。
	if _, err := rig.engine.CloseTask(ctx, taskID(1), adminAddr); err != nil {
		t.Fatalf("管理员关闭应成功: %v", err)
	}
}

func TestCloseTaskRefundFailureReopens(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	rig.bank.FailNext(transfer.ErrUnavailable)
	if _, err := rig.engine.CloseTask(ctx, taskID(1), rig.payer); err == nil {
		t.Fatal("退款转账失败时关闭应失败")
	}
	task, _ := rig.ledger.Get(ctx, taskID(1))
	if task.Status != escrow.StatusOpen || task.Remaining != 100 {
		t.Fatalf("失败的关闭应恢复状态: status=%s remaining=%s", task.Status, task.Remaining)
	}
	// 恢复后可以重试。
	if _, err := rig.engine.CloseTask(ctx, taskID(1), rig.payer); err != nil {
		t.Fatalf("重试关闭应成功: %v", err)
	}
}

func TestWithdrawSweepsEarnings(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100_000000, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100_000000, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 50_000000, ownerAddr); err != nil {
		t.Fatalf("支出失败: %v", err)
	}

	amount, err := rig.engine.Withdraw(ctx, testAgent, ownerAddr)
	if err != nil {
		t.Fatalf("提款失败: %v", err)
	}
	if amount != 49_500000 {
		t.Fatalf("提款额应为 49500000，得到 %s", amount)
	}
	if got := rig.bank.Balance(ownerAddr); got != 49_500000 {
		t.Fatalf("所有者应收到净额，余额 %s", got)
	}
	if _, err := rig.engine.Withdraw(ctx, testAgent, ownerAddr); !errors.Is(err, escrow.ErrNoFunds) {
		t.Fatalf("空余额提款应返回 ErrNoFunds，得到 %v", err)
	}
}

func TestWithdrawUnauthorized(t *testing.T) {
	rig := newTestRig(t, 100)
	if _, err := rig.engine.Withdraw(context.Background(), testAgent, strangerAddr); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("非所有者提款应返回 ErrUnauthorized，得到 %v", err)
	}
}

func TestWithdrawTransferFailureRestores(t *testing.T) {
	rig := newTestRig(t, 0)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 80, ownerAddr); err != nil {
		t.Fatalf("支出失败: %v", err)
	}

	rig.bank.FailNext(transfer.ErrUnavailable)
	if _, err := rig.engine.Withdraw(ctx, testAgent, ownerAddr); err == nil {
		t.Fatal("转账失败时提款应失败")
	}
	earnings, _ := rig.vault.Earnings(ctx, testAgent)
	if earnings != 80 {
		t.Fatalf("失败的提款应回补余额，得到 %s", earnings)
	}
	if _, err := rig.engine.Withdraw(ctx, testAgent, ownerAddr); err != nil {
		t.Fatalf("重试提款应成功: %v", err)
	}
}

func TestConcurrentSpendsRespectBudget(t *testing.T) {
	rig := newTestRig(t, 0)
	ctx := context.Background()

	auth := rig.signedAuth(t, 100, 1)
	if _, err := rig.engine.CreateTask(ctx, taskID(1), 100, rig.payer, escrow.FundingProof{Authorization: auth}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rig.engine.Spend(ctx, taskID(1), testAgent, 30, ownerAddr); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 3 {
		t.Fatalf("预算 100 下并发 30 支出应恰好成功 3 次，实际 %d", count)
	}
	task, _ := rig.ledger.Get(ctx, taskID(1))
	if task.Remaining != 10 {
		t.Fatalf("剩余预算应为 10，得到 %s", task.Remaining)
	}
	earnings, _ := rig.vault.Earnings(ctx, testAgent)
	if earnings != 90 {
		t.Fatalf("收益总额应为 90，得到 %s", earnings)
	}
}

func TestEngineRejectsBadFeeConfig(t *testing.T) {
	ledger := escrow.NewMemoryLedger()
	vault := escrow.NewMemoryVault()
	resolver := identity.NewStaticResolver(nil)
	bank := transfer.NewMemoryBank(escrowAddr)

	if _, err := escrow.NewEngine(ledger, vault, resolver, bank, escrow.FeeConfig{FeeBps: 10001, Treasury: treasuryAddr}); err == nil {
		t.Fatal("超出 10000 bps 的费率应被拒绝")
	}
	if _, err := escrow.NewEngine(ledger, vault, resolver, bank, escrow.FeeConfig{FeeBps: 100}); err == nil {
		t.Fatal("费率非零而金库为空应被拒绝")
	}
	if _, err := escrow.NewEngine(ledger, vault, resolver, bank, escrow.FeeConfig{}); err != nil {
		t.Fatalf("零费率零金库应合法: %v", err)
	}
}
