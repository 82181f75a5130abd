package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Orca-Escrow/internal/audit"
	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/escrow"
	"Orca-Escrow/internal/identity"
	"Orca-Escrow/internal/money"
	"Orca-Escrow/internal/observability/metrics"
	"Orca-Escrow/internal/payment"
	"Orca-Escrow/internal/transfer"
)

// Config 描述 API 服务的监听与付款要求参数。
type Config struct {
	Address string
	// Network 与 Token 用于构造 402 付款要求。
	Network string
	Token   common.Address
	// EscrowAccount 是付款要求中的收款方，即托管账户地址。
	EscrowAccount common.Address
}

// Server 暴露托管引擎的 REST 接口。
type Server struct {
	cfg     Config
	engine  *escrow.Engine
	journal audit.Journal
}

// NewServer 构造 API 服务实例。journal 可以为 nil，此时事件查询不可用。
func NewServer(cfg Config, engine *escrow.Engine, journal audit.Journal) *Server {
	return &Server{cfg: cfg, engine: engine, journal: journal}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，供 Start 与测试共用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.instrument("create_task", s.handleCreateTask))
	mux.HandleFunc("GET /api/v1/tasks", s.instrument("list_tasks", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.instrument("get_task", s.handleGetTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/spend", s.instrument("spend", s.handleSpend))
	mux.HandleFunc("POST /api/v1/tasks/{id}/close", s.instrument("close_task", s.handleCloseTask))
	mux.HandleFunc("POST /api/v1/agents/{id}/withdraw", s.instrument("withdraw", s.handleWithdraw))
	mux.HandleFunc("GET /api/v1/agents/{id}/earnings", s.instrument("earnings", s.handleEarnings))
	mux.HandleFunc("GET /api/v1/events", s.instrument("events", s.handleEvents))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

type createTaskRequest struct {
	TaskID    string `json:"task_id"`
	Budget    string `json:"budget"`
	Creator   string `json:"creator,omitempty"`
	Prefunded bool   `json:"prefunded,omitempty"`
}

type spendRequest struct {
	AgentID uint64 `json:"agent_id"`
	Amount  string `json:"amount"`
	Caller  string `json:"caller"`
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type amountResponse struct {
	TaskID  string `json:"task_id,omitempty"`
	AgentID uint64 `json:"agent_id,omitempty"`
	Amount  string `json:"amount"`
}

// handleCreateTask 处理任务托管开立。付款走 x402 流程：
// 未携带 X-PAYMENT 头且未声明预注资时，返回 402 与付款要求。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	id, err := escrow.ParseTaskID(req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	budget, err := money.Parse(req.Budget)
	if err != nil {
		writeError(w, err)
		return
	}

	proof := escrow.FundingProof{Prefunded: req.Prefunded}
	creator := common.HexToAddress(req.Creator)

	if header := r.Header.Get("X-PAYMENT"); header != "" {
		envelope, err := payment.DecodeEnvelope(header)
		if err != nil {
			writeError(w, err)
			return
		}
		auth, err := envelope.Authorization()
		if err != nil {
			writeError(w, err)
			return
		}
		proof.Authorization = auth
		if req.Creator == "" {
			creator = auth.From
		}
	} else if !req.Prefunded {
		s.writePaymentChallenge(w, r, budget)
		return
	}

	task, err := s.engine.CreateTask(r.Context(), id, budget, creator, proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// writePaymentChallenge 下发 402 响应与 base64(JSON) 付款要求。
func (s *Server) writePaymentChallenge(w http.ResponseWriter, r *http.Request, budget money.Amount) {
	challenge := payment.Challenge{
		Accepts: []payment.Requirement{{
			Scheme:            "exact",
			Network:           s.cfg.Network,
			Token:             s.cfg.Token.Hex(),
			Resource:          r.URL.Path,
			MaxAmountRequired: budget.String(),
			Beneficiary:       s.cfg.EscrowAccount.Hex(),
		}},
	}
	token, err := payment.EncodeChallenge(challenge)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-PAYMENT-REQUIRED", token)
	writeJSON(w, http.StatusPaymentRequired, challenge)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.ListTasks(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := escrow.ParseTaskID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.engine.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	id, err := escrow.ParseTaskID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "caller 地址非法"))
		return
	}

	net, err := s.engine.Spend(r.Context(), id, escrow.AgentID(req.AgentID), amount, common.HexToAddress(req.Caller))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{TaskID: id.Hex(), AgentID: req.AgentID, Amount: net.String()})
}

func (s *Server) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	id, err := escrow.ParseTaskID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "caller 地址非法"))
		return
	}

	refund, err := s.engine.CloseTask(r.Context(), id, common.HexToAddress(req.Caller))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{TaskID: id.Hex(), Amount: refund.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	agent, err := parseAgentID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "caller 地址非法"))
		return
	}

	amount, err := s.engine.Withdraw(r.Context(), agent, common.HexToAddress(req.Caller))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{AgentID: uint64(agent), Amount: amount.String()})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	agent, err := parseAgentID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.engine.Earnings(r.Context(), agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{AgentID: uint64(agent), Amount: amount.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "审计日志未启用"))
		return
	}
	events, err := s.journal.Recent(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func parseAgentID(raw string) (escrow.AgentID, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 必须是非负整数")
	}
	return escrow.AgentID(id), nil
}

// maxQueryLimit 约束 limit 查询参数，未认证请求不能随意撑大结果集
// 与底层预分配。
const maxQueryLimit = 100

func queryLimit(r *http.Request) int {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return limit
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	writeJSON(w, statusOf(code), errorResponse{Error: body})
}

// statusOf 将统一错误码映射到 HTTP 状态。
func statusOf(code xerrors.Code) int {
	switch code {
	case payment.CodeAlreadyUsed, payment.CodeNotYetValid, payment.CodeExpired,
		payment.CodeInvalidSignature, xerrors.CodePaymentRequired,
		transfer.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case xerrors.CodeUnauthorized:
		return http.StatusForbidden
	case escrow.CodeTaskNotFound, xerrors.CodeNotFound, identity.CodeUnknownAgent:
		return http.StatusNotFound
	case escrow.CodeDuplicateTask, escrow.CodeTaskClosed, escrow.CodeInsufficientBudget,
		escrow.CodeNoFunds, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInvalidArgument, escrow.CodeInvalidBudget, escrow.CodeInvalidAmount,
		xerrors.CodeOverflow:
		return http.StatusBadRequest
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case transfer.CodeUnavailable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个接口的请求量与耗时。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
