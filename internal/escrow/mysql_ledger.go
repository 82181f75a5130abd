package escrow

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

// MySQLLedger 使用 MySQL 持久化任务托管状态。
// 扣减与关闭都通过带状态谓词的条件 UPDATE 完成，
// 余额不足、任务已关闭等判定由数据库原子裁决。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 创建 MySQLLedger 并初始化表结构。
func NewMySQLLedger(dsn string) (*MySQLLedger, error) {
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

	ledger := &MySQLLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *MySQLLedger) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS escrow_tasks (
        id CHAR(66) PRIMARY KEY,
        budget BIGINT UNSIGNED NOT NULL,
        remaining BIGINT UNSIGNED NOT NULL,
        creator CHAR(42) NOT NULL,
        status VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        closed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_escrow_status (status),
        INDEX idx_escrow_updated (updated_at)
)`

	if _, err := l.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 escrow_tasks 表失败")
	}
	return nil
}

// Create 插入新的任务托管记录。
func (l *MySQLLedger) Create(ctx context.Context, id TaskID, budget money.Amount, creator common.Address) (*Task, error) {
	if budget.IsZero() {
		return nil, ErrInvalidBudget
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO escrow_tasks
        (id, budget, remaining, creator, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, stmt,
		id.Hex(),
		uint64(budget),
		uint64(budget),
		strings.ToLower(creator.Hex()),
		string(StatusOpen),
		now,
		now,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, ErrDuplicateTask
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务托管失败")
	}
	return &Task{
		ID:        id,
		Budget:    budget,
		Remaining: budget,
		Creator:   creator,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get 查询指定任务。
func (l *MySQLLedger) Get(ctx context.Context, id TaskID) (*Task, error) {
	const stmt = `SELECT id, budget, remaining, creator, status, created_at, updated_at, closed_at
        FROM escrow_tasks WHERE id = ?`

	return scanTask(l.db.QueryRowContext(ctx, stmt, id.Hex()))
}

// Spend 以条件 UPDATE 先行扣减剩余预算：
// 仅当任务处于 Open 且余额充足时生效，否则零行受影响，
// 再回查一次区分 NotFound / Closed / InsufficientBudget。
func (l *MySQLLedger) Spend(ctx context.Context, id TaskID, amount money.Amount) (money.Amount, error) {
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}

	const stmt = `UPDATE escrow_tasks SET remaining = remaining - ?, updated_at = ?
        WHERE id = ? AND status = ? AND remaining >= ?`

	res, err := l.db.ExecContext(ctx, stmt,
		uint64(amount),
		time.Now().Unix(),
		id.Hex(),
		string(StatusOpen),
		uint64(amount),
	)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减任务预算失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := l.Get(ctx, id)
		if getErr != nil {
			return 0, getErr
		}
		if task.Status == StatusClosed {
			return 0, ErrTaskClosed
		}
		return 0, ErrInsufficientBudget
	}

	task, err := l.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return task.Remaining, nil
}

// Restore 回滚一笔失败操作已扣减的预算。
func (l *MySQLLedger) Restore(ctx context.Context, id TaskID, amount money.Amount) error {
	const stmt = `UPDATE escrow_tasks SET remaining = remaining + ?, updated_at = ?
        WHERE id = ? AND remaining + ? <= budget`

	res, err := l.db.ExecContext(ctx, stmt,
		uint64(amount),
		time.Now().Unix(),
		id.Hex(),
		uint64(amount),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回滚任务预算失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := l.Get(ctx, id); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeConflict, "回滚后余额超出预算")
	}
	return nil
}

// CloseTask 关闭任务：置 Closed 并清零余额，返回应退款额。
func (l *MySQLLedger) CloseTask(ctx context.Context, id TaskID) (money.Amount, error) {
	task, err := l.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if task.Status == StatusClosed {
		return 0, ErrTaskClosed
	}

	now := time.Now().Unix()
	const stmt = `UPDATE escrow_tasks SET status = ?, remaining = 0, updated_at = ?, closed_at = ?
        WHERE id = ? AND status = ? AND remaining = ?`

	res, err := l.db.ExecContext(ctx, stmt,
		string(StatusClosed),
		now,
		now,
		id.Hex(),
		string(StatusOpen),
		uint64(task.Remaining),
	)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// 快照过期：余额或状态在读取后被并发修改。
		return 0, xerrors.New(xerrors.CodeConflict, "任务状态已被并发修改")
	}
	return task.Remaining, nil
}

// Reopen 撤销一次退款转账失败的关闭，恢复 Open 状态与余额。
func (l *MySQLLedger) Reopen(ctx context.Context, id TaskID, refund money.Amount) error {
	const stmt = `UPDATE escrow_tasks SET status = ?, remaining = ?, updated_at = ?, closed_at = 0
        WHERE id = ? AND status = ?`

	res, err := l.db.ExecContext(ctx, stmt,
		string(StatusOpen),
		uint64(refund),
		time.Now().Unix(),
		id.Hex(),
		string(StatusClosed),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复任务状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := l.Get(ctx, id); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeConflict, "任务并未处于关闭状态")
	}
	return nil
}

// List 返回最近更新的任务。
func (l *MySQLLedger) List(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}

	const stmt = `SELECT id, budget, remaining, creator, status, created_at, updated_at, closed_at
        FROM escrow_tasks ORDER BY updated_at DESC, id DESC LIMIT ?`

	rows, err := l.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Close 关闭底层数据库连接。
func (l *MySQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		rawID     string
		budget    uint64
		remaining uint64
		creator   string
		status    string
		task      Task
	)
	if err := row.Scan(
		&rawID,
		&budget,
		&remaining,
		&creator,
		&status,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.ClosedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}

	id, err := ParseTaskID(rawID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "任务记录损坏")
	}
	task.ID = id
	task.Budget = money.Amount(budget)
	task.Remaining = money.Amount(remaining)
	task.Creator = common.HexToAddress(creator)
	task.Status = Status(status)
	return &task, nil
}

// ensure interface compliance at compile time
var _ Ledger = (*MySQLLedger)(nil)
