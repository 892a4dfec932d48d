package executor

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// threadCache 缓存 (授权账户, 目标资源) 到对话线程标识的映射，
// 对应浏览器端的 sessionStorage 级生命周期：进程内有效，重启即失。
type threadCache struct {
	mu      sync.RWMutex
	threads map[string]string
}

func newThreadCache() *threadCache {
	return &threadCache{threads: make(map[string]string)}
}

func (c *threadCache) get(owner, endpoint string) string {
	key := cacheKey(owner, endpoint)

	c.mu.RLock()
	id, ok := c.threads[key]
	c.mu.RUnlock()
	if ok {
		return id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.threads[key]; ok {
		return id
	}
	id = uuid.NewString()
	c.threads[key] = id
	return id
}

func (c *threadCache) reset(owner, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, cacheKey(owner, endpoint))
}

func cacheKey(owner, endpoint string) string {
	return strings.ToLower(strings.TrimSpace(owner)) + "|" + strings.TrimSpace(endpoint)
}
