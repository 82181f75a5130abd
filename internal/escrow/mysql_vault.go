package escrow

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

// MySQLVault 使用 MySQL 持久化智能体收益。共享形态：
// 一张表按 agent_id 维护所有智能体的余额。
type MySQLVault struct {
	db *sql.DB
}

// NewMySQLVault 创建 MySQLVault 并初始化表结构。
func NewMySQLVault(dsn string) (*MySQLVault, error) {
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

	vault := &MySQLVault{db: db}
	if err := vault.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return vault, nil
}

func (v *MySQLVault) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS agent_earnings (
        agent_id BIGINT UNSIGNED PRIMARY KEY,
        balance BIGINT UNSIGNED NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL
)`

	if _, err := v.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agent_earnings 表失败")
	}
	return nil
}

// Credit 累计智能体净收益，账户不存在时隐式创建。
func (v *MySQLVault) Credit(ctx context.Context, agent AgentID, amount money.Amount) error {
	if amount.IsZero() {
		return nil
	}

	const stmt = `INSERT INTO agent_earnings (agent_id, balance, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE balance = balance + VALUES(balance), updated_at = VALUES(updated_at)`

	if _, err := v.db.ExecContext(ctx, stmt, uint64(agent), uint64(amount), time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "累计智能体收益失败")
	}
	return nil
}

// Debit 以条件 UPDATE 撤销一笔入账：仅当余额足以覆盖撤销额时生效。
func (v *MySQLVault) Debit(ctx context.Context, agent AgentID, amount money.Amount) error {
	if amount.IsZero() {
		return nil
	}

	const stmt = `UPDATE agent_earnings SET balance = balance - ?, updated_at = ?
        WHERE agent_id = ? AND balance >= ?`

	res, err := v.db.ExecContext(ctx, stmt, uint64(amount), time.Now().Unix(), uint64(agent), uint64(amount))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销智能体入账失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeConflict, "撤销入账超过当前余额")
	}
	return nil
}

// Sweep 读取余额后以条件 UPDATE 清零：
// 仅当余额仍是读到的值时生效，并发提取只有一方胜出。
func (v *MySQLVault) Sweep(ctx context.Context, agent AgentID) (money.Amount, error) {
	balance, err := v.Earnings(ctx, agent)
	if err != nil {
		return 0, err
	}
	if balance.IsZero() {
		return 0, ErrNoFunds
	}

	const stmt = `UPDATE agent_earnings SET balance = 0, updated_at = ?
        WHERE agent_id = ? AND balance = ?`

	res, err := v.db.ExecContext(ctx, stmt, time.Now().Unix(), uint64(agent), uint64(balance))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清零智能体收益失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return 0, xerrors.New(xerrors.CodeConflict, "收益余额已被并发修改")
	}
	return balance, nil
}

// Restore 回补一笔转账失败的提款。
func (v *MySQLVault) Restore(ctx context.Context, agent AgentID, amount money.Amount) error {
	const stmt = `UPDATE agent_earnings SET balance = balance + ?, updated_at = ?
        WHERE agent_id = ?`

	res, err := v.db.ExecContext(ctx, stmt, uint64(amount), time.Now().Unix(), uint64(agent))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回补智能体收益失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeStorageFailure, "回补目标账户不存在")
	}
	return nil
}

// Earnings 返回当前累计收益，账户不存在视为零。
func (v *MySQLVault) Earnings(ctx context.Context, agent AgentID) (money.Amount, error) {
	const stmt = `SELECT balance FROM agent_earnings WHERE agent_id = ?`

	var balance uint64
	if err := v.db.QueryRowContext(ctx, stmt, uint64(agent)).Scan(&balance); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体收益失败")
	}
	return money.Amount(balance), nil
}

// Close 关闭底层数据库连接。
func (v *MySQLVault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

// ensure interface compliance at compile time
var _ Vault = (*MySQLVault)(nil)
