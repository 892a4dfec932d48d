package session

import "time"

// Session 表示一次有时限、有额度上限的消费授权，是内存中的会话状态。
type Session struct {
	IsActive          bool   `json:"is_active"`
	BudgetLimit       int64  `json:"budget_limit"`
	BudgetUsed        int64  `json:"budget_used"`
	BudgetRemaining   int64  `json:"budget_remaining"`
	ExpiresAt         int64  `json:"expires_at,omitempty"`
	SessionKeyAddress string `json:"session_key_address,omitempty"`
}

// Expired 判断会话是否已经超过有效期。ExpiresAt 为 0 视为无会话。
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt == 0 || s.ExpiresAt <= now.UnixMilli()
}

// StoredSession 是会话的持久化形态，多出所属账户字段用于恢复时校验归属。
type StoredSession struct {
	BudgetLimit       int64  `json:"budgetLimit"`
	BudgetUsed        int64  `json:"budgetUsed"`
	ExpiresAt         int64  `json:"expiresAt"`
	SessionKeyAddress string `json:"sessionKeyAddress"`
	UserAddress       string `json:"userAddress"`
}

// Remaining 返回剩余额度，向下夹到 0。
func (r StoredSession) Remaining() int64 {
	remaining := r.BudgetLimit - r.BudgetUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clone 返回持久化记录的副本。
func (r *StoredSession) Clone() *StoredSession {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// toSession 将持久化记录还原为内存会话。激活条件由调用方判定。
func (r *StoredSession) toSession(active bool) Session {
	if r == nil {
		return Session{}
	}
	return Session{
		IsActive:          active,
		BudgetLimit:       r.BudgetLimit,
		BudgetUsed:        r.BudgetUsed,
		BudgetRemaining:   r.Remaining(),
		ExpiresAt:         r.ExpiresAt,
		SessionKeyAddress: r.SessionKeyAddress,
	}
}
