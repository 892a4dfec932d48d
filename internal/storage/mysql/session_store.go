package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/session"
)

// SessionStore 把会话记录持久化到 MySQL，按授权账户地址作为主键。
type SessionStore struct {
	db *sql.DB
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore 建立连接池并执行 schema 迁移。
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 会话存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行会话表迁移失败")
	}
	return &SessionStore{db: db}, nil
}

// Load 读取指定账户的会话记录。
func (s *SessionStore) Load(ctx context.Context, owner string) (*session.StoredSession, error) {
	const query = `SELECT budget_limit, budget_used, expires_at, session_key_address, user_address
        FROM sessions WHERE owner = ?`

	var record session.StoredSession
	err := s.db.QueryRowContext(ctx, query, normalizeOwner(owner)).Scan(
		&record.BudgetLimit,
		&record.BudgetUsed,
		&record.ExpiresAt,
		&record.SessionKeyAddress,
		&record.UserAddress,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话记录失败")
	}
	return &record, nil
}

// Save 覆盖写入会话记录。
func (s *SessionStore) Save(ctx context.Context, record *session.StoredSession) error {
	const stmt = `INSERT INTO sessions
        (owner, budget_limit, budget_used, expires_at, session_key_address, user_address, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        budget_limit = VALUES(budget_limit),
        budget_used = VALUES(budget_used),
        expires_at = VALUES(expires_at),
        session_key_address = VALUES(session_key_address),
        user_address = VALUES(user_address),
        updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		normalizeOwner(record.UserAddress),
		record.BudgetLimit,
		record.BudgetUsed,
		record.ExpiresAt,
		record.SessionKeyAddress,
		record.UserAddress,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话记录失败")
	}
	return nil
}

// Clear 删除指定账户的会话记录，记录不存在时不报错。
func (s *SessionStore) Clear(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE owner = ?`, normalizeOwner(owner)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话记录失败")
	}
	return nil
}

// Close 释放连接池。
func (s *SessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func normalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}
