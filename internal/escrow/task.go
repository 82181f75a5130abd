package escrow

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

// TaskID 是任务的 32 字节不透明标识，与链上 bytes32 对齐。
type TaskID [32]byte

// Hex 返回带 0x 前缀的十六进制表示。
func (id TaskID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Hash 返回 TaskID 对应的 common.Hash。
func (id TaskID) Hash() common.Hash {
	return common.Hash(id)
}

// MarshalJSON 以 0x 十六进制字符串编码任务 ID。
func (id TaskID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

// UnmarshalJSON 解析 0x 十六进制字符串形式的任务 ID。
func (id *TaskID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTaskID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseTaskID 解析 0x 前缀的 32 字节十六进制任务标识。
func ParseTaskID(s string) (TaskID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return TaskID{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "任务 ID 不是合法的十六进制")
	}
	if len(raw) != 32 {
		return TaskID{}, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 必须是 32 字节")
	}
	var id TaskID
	copy(id[:], raw)
	return id, nil
}

// AgentID 标识一个已注册的智能体，与身份注册表中的 agentId 对齐。
type AgentID uint64

// Status 表示任务在托管生命周期中的状态。
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Task 描述一笔任务级托管资金。
// Remaining 在 Open 期间单调不增，Close 时一次性清零（余款退还）。
// 任务一经关闭即为终态，记录保留用于审计查询，永不删除。
type Task struct {
	ID        TaskID         `json:"id"`
	Budget    money.Amount   `json:"budget"`
	Remaining money.Amount   `json:"remaining"`
	Creator   common.Address `json:"creator"`
	Status    Status         `json:"status"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
	ClosedAt  int64          `json:"closed_at,omitempty"`
}

var (
	// ErrDuplicateTask 表示任务 ID 已存在。
	ErrDuplicateTask = xerrors.New(CodeDuplicateTask, "task already exists")
	// ErrInvalidBudget 表示任务预算非法。
	ErrInvalidBudget = xerrors.New(CodeInvalidBudget, "invalid task budget")
	// ErrInvalidAmount 表示支出金额非法。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid spend amount")
	// ErrTaskNotFound 表示指定任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskClosed 表示任务已经关闭，拒绝一切后续变更。
	ErrTaskClosed = xerrors.New(CodeTaskClosed, "task already closed")
	// ErrInsufficientBudget 表示支出超过了任务剩余预算。
	ErrInsufficientBudget = xerrors.New(CodeInsufficientBudget, "insufficient task budget")
	// ErrUnauthorized 表示调用者没有执行该操作的权限。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "caller not authorized")
	// ErrNoFunds 表示智能体没有可提取的收益。
	ErrNoFunds = xerrors.New(CodeNoFunds, "no withdrawable earnings")
)

const (
	CodeDuplicateTask      xerrors.Code = "DUPLICATE_TASK"
	CodeInvalidBudget      xerrors.Code = "INVALID_BUDGET"
	CodeInvalidAmount      xerrors.Code = "INVALID_AMOUNT"
	CodeTaskNotFound       xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskClosed         xerrors.Code = "TASK_CLOSED"
	CodeInsufficientBudget xerrors.Code = "INSUFFICIENT_BUDGET"
	CodeNoFunds            xerrors.Code = "NO_FUNDS"
)

func init() {
	xerrors.Register(CodeDuplicateTask, xerrors.Attributes{
		Message:   "task already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidBudget, xerrors.Attributes{
		Message:   "invalid task budget",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "invalid spend amount",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskClosed, xerrors.Attributes{
		Message:   "task already closed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientBudget, xerrors.Attributes{
		Message:   "insufficient task budget",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoFunds, xerrors.Attributes{
		Message:   "no withdrawable earnings",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
