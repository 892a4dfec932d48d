package session

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore 以内存方式保存会话记录，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*StoredSession
	watchers map[string][]chan struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*StoredSession),
		watchers: make(map[string][]chan struct{}),
	}
}

// Load 实现 Store 接口。
func (m *MemoryStore) Load(_ context.Context, owner string) (*StoredSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[normalizeOwner(owner)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return record.Clone(), nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, record *StoredSession) error {
	if record == nil {
		return nil
	}
	owner := normalizeOwner(record.UserAddress)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[owner] = record.Clone()
	m.notifyLocked(owner)
	return nil
}

// Clear 实现 Store 接口。
func (m *MemoryStore) Clear(_ context.Context, owner string) error {
	key := normalizeOwner(owner)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, existed := m.records[key]; existed {
		delete(m.records, key)
		m.notifyLocked(key)
	}
	return nil
}

// Watch 实现 Watcher 接口。上下文取消后通道关闭。
func (m *MemoryStore) Watch(ctx context.Context, owner string) (<-chan struct{}, error) {
	key := normalizeOwner(owner)
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[key] = append(m.watchers[key], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		subs := m.watchers[key]
		for i, sub := range subs {
			if sub == ch {
				m.watchers[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// notifyLocked 以非阻塞方式通知所有订阅者，要求持有写锁。
func (m *MemoryStore) notifyLocked(owner string) {
	for _, ch := range m.watchers[owner] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func normalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// ensure interface compliance at compile time
var (
	_ Store   = (*MemoryStore)(nil)
	_ Watcher = (*MemoryStore)(nil)
)
