package api

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Orca-Escrow/internal/audit"
	"Orca-Escrow/internal/escrow"
	"Orca-Escrow/internal/identity"
	"Orca-Escrow/internal/money"
	"Orca-Escrow/internal/payment"
	"Orca-Escrow/internal/transfer"
)

var (
	testToken    = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testEscrow   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	testOwner    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testStranger = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

const testTaskHex = "0x0000000000000000000000000000000000000000000000000000000000000001"

type serverRig struct {
	server *httptest.Server
	bank   *transfer.MemoryBank
	domain payment.Domain
	key    *ecdsa.PrivateKey
	payer  common.Address
}

func newServerRig(t *testing.T) *serverRig {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	domain := payment.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           84532,
		VerifyingContract: testToken,
	}
	bank := transfer.NewMemoryBank(testEscrow)
	bank.Deposit(payer, 1_000_000000)

	resolver := identity.NewStaticResolver(map[escrow.AgentID]common.Address{1: testOwner})
	verifier := payment.NewVerifier(domain, payment.NewMemoryNonceStore())
	journal := audit.NewMemoryJournal(64)

	engine, err := escrow.NewEngine(
		escrow.NewMemoryLedger(),
		escrow.NewMemoryVault(),
		resolver,
		bank,
		escrow.FeeConfig{Treasury: testTreasury, FeeBps: 100},
		escrow.WithVerifier(verifier),
		escrow.WithSink(audit.NewSink(journal)),
		escrow.WithEscrowAccount(testEscrow),
	)
	if err != nil {
		t.Fatalf("构造引擎失败: %v", err)
	}

	srv := NewServer(Config{
		Address:       ":0",
		Network:       "base-sepolia",
		Token:         testToken,
		EscrowAccount: testEscrow,
	}, engine, journal)

	rig := &serverRig{
		server: httptest.NewServer(srv.Handler()),
		bank:   bank,
		domain: domain,
		key:    key,
		payer:  payer,
	}
	t.Cleanup(rig.server.Close)
	return rig
}

func (r *serverRig) paymentHeader(t *testing.T, value money.Amount, nonce byte) string {
	t.Helper()
	var n common.Hash
	n[31] = nonce
	auth := &payment.Authorization{
		To:          testEscrow,
		Value:       value,
		ValidAfter:  0,
		ValidBefore: time.Now().Add(time.Hour).Unix(),
		Nonce:       n,
	}
	if err := auth.Sign(r.domain, r.key); err != nil {
		t.Fatalf("签署授权失败: %v", err)
	}
	token, err := payment.EncodeEnvelope(payment.FromAuthorization(auth, testToken))
	if err != nil {
		t.Fatalf("编码付款信封失败: %v", err)
	}
	return token
}

func (r *serverRig) createTask(t *testing.T, id string, budget money.Amount, nonce byte) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"task_id": id, "budget": budget.String()})
	req, _ := http.NewRequest(http.MethodPost, r.server.URL+"/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("X-PAYMENT", r.paymentHeader(t, budget, nonce))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("创建任务应返回 201，得到 %d", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	return resp
}

func TestCreateTaskWithoutPaymentReturnsChallenge(t *testing.T) {
	rig := newServerRig(t)

	resp := postJSON(t, rig.server.URL+"/api/v1/tasks", map[string]any{
		"task_id": testTaskHex,
		"budget":  "100000000",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("无付款头应返回 402，得到 %d", resp.StatusCode)
	}
	token := resp.Header.Get("X-PAYMENT-REQUIRED")
	if token == "" {
		t.Fatal("402 响应应携带 X-PAYMENT-REQUIRED 头")
	}
	challenge, err := payment.DecodeChallenge(token)
	if err != nil {
		t.Fatalf("付款要求解析失败: %v", err)
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("付款要求应包含一项，得到 %d", len(challenge.Accepts))
	}
	req := challenge.Accepts[0]
	if req.Scheme != "exact" || req.Network != "base-sepolia" || req.MaxAmountRequired != "100000000" {
		t.Fatalf("付款要求内容异常: %+v", req)
	}
	if req.Beneficiary != testEscrow.Hex() {
		t.Fatalf("收款方应为托管账户，得到 %s", req.Beneficiary)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	rig := newServerRig(t)
	rig.createTask(t, testTaskHex, 100_000000, 1)

	resp, err := http.Get(rig.server.URL + "/api/v1/tasks/" + testTaskHex)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("查询应返回 200，得到 %d", resp.StatusCode)
	}

	var task escrow.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if task.Budget != 100_000000 || task.Status != escrow.StatusOpen {
		t.Fatalf("任务内容异常: %+v", task)
	}
	if got := rig.bank.Balance(testEscrow); got != 100_000000 {
		t.Fatalf("托管账户应收到预算，得到 %s", got)
	}
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	rig := newServerRig(t)

	resp, err := http.Get(rig.server.URL + "/api/v1/tasks/" + testTaskHex)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("未知任务应返回 404，得到 %d", resp.StatusCode)
	}
}

func TestInvalidTaskIDReturns400(t *testing.T) {
	rig := newServerRig(t)

	resp, err := http.Get(rig.server.URL + "/api/v1/tasks/not-hex")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("非法任务 ID 应返回 400，得到 %d", resp.StatusCode)
	}
}

func TestDuplicateCreateReturns409(t *testing.T) {
	rig := newServerRig(t)
	rig.createTask(t, testTaskHex, 100, 1)

	body, _ := json.Marshal(map[string]any{"task_id": testTaskHex, "budget": "100"})
	req, _ := http.NewRequest(http.MethodPost, rig.server.URL+"/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("X-PAYMENT", rig.paymentHeader(t, 100, 2))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("重复创建应返回 409，得到 %d", resp.StatusCode)
	}

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("错误响应解析失败: %v", err)
	}
	if errResp.Error.Code != string(escrow.CodeDuplicateTask) {
		t.Fatalf("错误码应为 DUPLICATE_TASK，得到 %s", errResp.Error.Code)
	}
}

func TestSpendAndWithdrawFlow(t *testing.T) {
	rig := newServerRig(t)
	rig.createTask(t, testTaskHex, 100_000000, 1)

	// 非所有者支出被拒绝。
	resp := postJSON(t, rig.server.URL+"/api/v1/tasks/"+testTaskHex+"/spend", map[string]any{
		"agent_id": 1, "amount": "50000000", "caller": testStranger.Hex(),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("非所有者支出应返回 403，得到 %d", resp.StatusCode)
	}

	// 所有者支出成功并返回扣除手续费后的净额。
	resp = postJSON(t, rig.server.URL+"/api/v1/tasks/"+testTaskHex+"/spend", map[string]any{
		"agent_id": 1, "amount": "50000000", "caller": testOwner.Hex(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("支出应返回 200，得到 %d", resp.StatusCode)
	}
	var spendResp struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&spendResp); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if spendResp.Amount != "49500000" {
		t.Fatalf("净额应为 49500000，得到 %s", spendResp.Amount)
	}
	if got := rig.bank.Balance(testTreasury); got != 500000 {
		t.Fatalf("国库应收到手续费 500000，得到 %s", got)
	}

	// 收益查询与净额一致。
	earningsResp, err := http.Get(rig.server.URL + "/api/v1/agents/1/earnings")
	if err != nil {
		t.Fatalf("查询收益失败: %v", err)
	}
	defer earningsResp.Body.Close()
	var earnings struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(earningsResp.Body).Decode(&earnings); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if earnings.Amount != "49500000" {
		t.Fatalf("收益应为 49500000，得到 %s", earnings.Amount)
	}

	// 提款后所有者收到净额。
	withdrawResp := postJSON(t, rig.server.URL+"/api/v1/agents/1/withdraw", map[string]any{
		"caller": testOwner.Hex(),
	})
	defer withdrawResp.Body.Close()
	if withdrawResp.StatusCode != http.StatusOK {
		t.Fatalf("提款应返回 200，得到 %d", withdrawResp.StatusCode)
	}
	if got := rig.bank.Balance(testOwner); got != 49_500000 {
		t.Fatalf("所有者应收到净额，余额 %s", got)
	}

	// 空余额再次提款返回 409。
	emptyResp := postJSON(t, rig.server.URL+"/api/v1/agents/1/withdraw", map[string]any{
		"caller": testOwner.Hex(),
	})
	emptyResp.Body.Close()
	if emptyResp.StatusCode != http.StatusConflict {
		t.Fatalf("空余额提款应返回 409，得到 %d", emptyResp.StatusCode)
	}
}

func TestCloseTaskIsTerminal(t *testing.T) {
	rig := newServerRig(t)
	rig.createTask(t, testTaskHex, 100_000000, 1)

	resp := postJSON(t, rig.server.URL+"/api/v1/tasks/"+testTaskHex+"/close", map[string]any{
		"caller": rig.payer.Hex(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("关闭应返回 200，得到 %d", resp.StatusCode)
	}
	var closeResp struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&closeResp); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if closeResp.Amount != "100000000" {
		t.Fatalf("退款额应为 100000000，得到 %s", closeResp.Amount)
	}
	if got := rig.bank.Balance(rig.payer); got != 1_000_000000 {
		t.Fatalf("创建者应收到全额退款，余额 %s", got)
	}

	// 关闭是终态，后续支出与再次关闭均返回 409。
	spendResp := postJSON(t, rig.server.URL+"/api/v1/tasks/"+testTaskHex+"/spend", map[string]any{
		"agent_id": 1, "amount": "1", "caller": testOwner.Hex(),
	})
	spendResp.Body.Close()
	if spendResp.StatusCode != http.StatusConflict {
		t.Fatalf("关闭后支出应返回 409，得到 %d", spendResp.StatusCode)
	}
}

func TestCloseTaskRejectsStranger(t *testing.T) {
	rig := newServerRig(t)
	rig.createTask(t, testTaskHex, 100, 1)

	resp := postJSON(t, rig.server.URL+"/api/v1/tasks/"+testTaskHex+"/close", map[string]any{
		"caller": testStranger.Hex(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("非创建者关闭应返回 403，得到 %d", resp.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	rig := newServerRig(t)
	rig.createTask(t, testTaskHex, 100, 1)

	resp, err := http.Get(rig.server.URL + "/api/v1/events?limit=10")
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("事件查询应返回 200，得到 %d", resp.StatusCode)
	}
	var events []escrow.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if len(events) != 1 || events[0].Type != escrow.EventTaskCreated {
		t.Fatalf("应有一条 task_created 事件，得到 %+v", events)
	}
}

func TestQueryLimitClamped(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", 20},
		{"?limit=5", 5},
		{"?limit=100", 100},
		{"?limit=1000000000", 100},
		{"?limit=-3", 20},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events"+tc.raw, nil)
		if got := queryLimit(req); got != tc.want {
			t.Fatalf("limit %q 应解析为 %d，得到 %d", tc.raw, tc.want, got)
		}
	}
}

func TestHealthz(t *testing.T) {
	rig := newServerRig(t)
	resp, err := http.Get(rig.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("健康检查失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("健康检查应返回 200，得到 %d", resp.StatusCode)
	}
}
