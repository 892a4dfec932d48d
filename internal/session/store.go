package session

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
)

// 会话存储的通用错误。
var (
	ErrSessionNotFound = xerrors.New(xerrors.CodeSessionNotFound, "会话记录不存在")
)

// Store 抽象单条会话记录的持久化，按所属账户地址作为键。
// 实现必须支持并发访问。
type Store interface {
	// Load 读取指定账户的会话记录，不存在时返回 ErrSessionNotFound。
	Load(ctx context.Context, owner string) (*StoredSession, error)
	// Save 覆盖写入会话记录。
	Save(ctx context.Context, record *StoredSession) error
	// Clear 删除指定账户的会话记录，记录不存在时不报错。
	Clear(ctx context.Context, owner string) error
	// Close 释放底层资源。
	Close() error
}

// Watcher 由支持变更通知的存储实现，授权器用它近似跨标签页同步。
// 通知只保证尽力而为：两个进程都通过 HasBudget 后各自 RecordUsage 仍可能
// 轻微超出名义预算，这是已接受的竞态而非待修复缺陷。
type Watcher interface {
	// Watch 返回指定账户记录发生变更时收到信号的通道。
	// 上下文取消后实现应关闭通道。
	Watch(ctx context.Context, owner string) (<-chan struct{}, error)
}
