package audit

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/escrow"
	"Orca-Escrow/internal/money"
)

// MySQLJournal 将审计事件落库到 MySQL，追加式写入。
type MySQLJournal struct {
	db *sql.DB
}

// NewMySQLJournal 创建 MySQLJournal 并初始化表结构。
func NewMySQLJournal(dsn string) (*MySQLJournal, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	journal := &MySQLJournal{db: db}
	if err := journal.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return journal, nil
}

func (j *MySQLJournal) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS escrow_events (
        id CHAR(36) PRIMARY KEY,
        event_type VARCHAR(32) NOT NULL,
        task_id CHAR(66) DEFAULT '',
        agent_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
        creator CHAR(42) DEFAULT '',
        budget BIGINT UNSIGNED NOT NULL DEFAULT 0,
        amount BIGINT UNSIGNED NOT NULL DEFAULT 0,
        refund BIGINT UNSIGNED NOT NULL DEFAULT 0,
        occurred_at BIGINT NOT NULL,
        INDEX idx_events_task (task_id),
        INDEX idx_events_agent (agent_id),
        INDEX idx_events_occurred (occurred_at)
)`

	if _, err := j.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 escrow_events 表失败")
	}
	return nil
}

// Append 追加一条事件。事件 ID 唯一，重复写入视为已完成。
func (j *MySQLJournal) Append(ctx context.Context, event escrow.Event) error {
	const stmt = `INSERT INTO escrow_events
        (id, event_type, task_id, agent_id, creator, budget, amount, refund, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, stmt,
		event.ID,
		string(event.Type),
		event.TaskID,
		uint64(event.AgentID),
		event.Creator,
		uint64(event.Budget),
		uint64(event.Amount),
		uint64(event.Refund),
		event.OccurredAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计事件失败")
	}
	return nil
}

// Recent 返回最新的 limit 条事件，新者在前。
func (j *MySQLJournal) Recent(ctx context.Context, limit int) ([]escrow.Event, error) {
	if limit <= 0 {
		limit = 20
	}

	const stmt = `SELECT id, event_type, task_id, agent_id, creator, budget, amount, refund, occurred_at
        FROM escrow_events ORDER BY occurred_at DESC, id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计事件失败")
	}
	defer rows.Close()

	events := make([]escrow.Event, 0, limit)
	for rows.Next() {
		var (
			event   escrow.Event
			agentID uint64
			budget  uint64
			amount  uint64
			refund  uint64
		)
		if err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.TaskID,
			&agentID,
			&event.Creator,
			&budget,
			&amount,
			&refund,
			&event.OccurredAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计事件失败")
		}
		event.AgentID = escrow.AgentID(agentID)
		event.Budget = money.Amount(budget)
		event.Amount = money.Amount(amount)
		event.Refund = money.Amount(refund)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计事件失败")
	}
	return events, nil
}

// Close 关闭底层数据库连接。
func (j *MySQLJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// ensure interface compliance at compile time
var _ Journal = (*MySQLJournal)(nil)
