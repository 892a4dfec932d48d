package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 将会话记录保存在 Redis，并通过 Pub/Sub 广播变更，
// 多个进程共享同一账户的会话时可以据此做尽力而为的同步。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 会话存储实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentpay:session"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Load 实现 Store 接口。
func (r *RedisStore) Load(ctx context.Context, owner string) (*StoredSession, error) {
	data, err := r.client.Get(ctx, r.key(owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("读取 Redis 会话失败: %w", err)
	}
	var record StoredSession
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, ErrSessionNotFound
	}
	return &record, nil
}

// Save 实现 Store 接口。记录带有到期时间时同步设置键的 TTL。
func (r *RedisStore) Save(ctx context.Context, record *StoredSession) error {
	if record == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}

	var ttl time.Duration
	if record.ExpiresAt > 0 {
		ttl = time.Until(time.UnixMilli(record.ExpiresAt))
		if ttl <= 0 {
			ttl = time.Second
		}
	}

	key := r.key(record.UserAddress)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 会话失败: %w", err)
	}
	// 变更广播失败不影响写入本身。
	_ = r.client.Publish(ctx, r.channel(record.UserAddress), "updated").Err()
	return nil
}

// Clear 实现 Store 接口。
func (r *RedisStore) Clear(ctx context.Context, owner string) error {
	if err := r.client.Del(ctx, r.key(owner)).Err(); err != nil {
		return fmt.Errorf("删除 Redis 会话失败: %w", err)
	}
	_ = r.client.Publish(ctx, r.channel(owner), "cleared").Err()
	return nil
}

// Watch 通过 Redis Pub/Sub 订阅指定账户的会话变更。
func (r *RedisStore) Watch(ctx context.Context, owner string) (<-chan struct{}, error) {
	sub := r.client.Subscribe(ctx, r.channel(owner))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("订阅会话变更失败: %w", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch, nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStore) key(owner string) string {
	return r.prefix + ":" + normalizeOwner(owner)
}

func (r *RedisStore) channel(owner string) string {
	return r.prefix + ":events:" + normalizeOwner(owner)
}

// ensure interface compliance at compile time
var (
	_ Store   = (*RedisStore)(nil)
	_ Watcher = (*RedisStore)(nil)
)
