package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Orca-Escrow/internal/money"
	"Orca-Escrow/pkg/logger"
)

// EventType 标识审计事件类型。
type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskSpent         EventType = "task_spent"
	EventTaskClosed        EventType = "task_closed"
	EventAgentCredited     EventType = "agent_credited"
	EventEarningsWithdrawn EventType = "earnings_withdrawn"
)

// Event 是追加式审计流中的一条不可变记录。
// 每个成功操作恰好发出一次，失败或回滚的操作绝不发出。
// 引擎自身从不回读历史事件做决策。
type Event struct {
	ID         string       `json:"id"`
	Type       EventType    `json:"type"`
	TaskID     string       `json:"task_id,omitempty"`
	AgentID    AgentID      `json:"agent_id,omitempty"`
	Creator    string       `json:"creator,omitempty"`
	Budget     money.Amount `json:"budget,omitempty"`
	Amount     money.Amount `json:"amount,omitempty"`
	Refund     money.Amount `json:"refund,omitempty"`
	OccurredAt int64        `json:"occurred_at"`
}

func newEvent(eventType EventType) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().Unix(),
	}
}

// Sink 消费引擎发出的审计事件。实现方（落库、外发流）自行处理失败，
// 事件发出时操作本身已经提交，Sink 错误不回滚账本。
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc 允许用函数充当 Sink。
type SinkFunc func(ctx context.Context, event Event) error

// Emit 实现 Sink。
func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// FanoutSink 将事件广播给多个下游 Sink，逐个尽力投递。
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink 创建广播 Sink，nil 成员被忽略。
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanoutSink{sinks: kept}
}

// Emit 实现 Sink。单个下游失败只记录日志，不阻断其余下游。
func (f *FanoutSink) Emit(ctx context.Context, event Event) error {
	for _, sink := range f.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			logger.L().Error("审计事件投递失败",
				slog.String("event_id", event.ID),
				slog.String("event_type", string(event.Type)),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// AuditLogSink 将事件写入独立的审计日志通道。
type AuditLogSink struct{}

// Emit 实现 Sink。
func (AuditLogSink) Emit(_ context.Context, event Event) error {
	logger.Audit().Info("escrow event",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)),
		slog.String("task_id", event.TaskID),
		slog.Uint64("agent_id", uint64(event.AgentID)),
		slog.String("creator", event.Creator),
		slog.String("budget", event.Budget.String()),
		slog.String("amount", event.Amount.String()),
		slog.String("refund", event.Refund.String()),
	)
	return nil
}

// ensure interface compliance at compile time
var (
	_ Sink = (*FanoutSink)(nil)
	_ Sink = AuditLogSink{}
	_ Sink = SinkFunc(nil)
)
