package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// defaultPollInterval 是文件存储变更轮询的默认周期。
const defaultPollInterval = 2 * time.Second

// FileStore 将会话记录以 JSON 文件保存在本地目录，对应浏览器端的
// localStorage 持久化。每个账户一个文件。
type FileStore struct {
	mu   sync.Mutex
	dir  string
	poll time.Duration
}

// NewFileStore 创建文件存储，目录不存在时自动创建。
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话存储目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话存储目录失败")
	}
	return &FileStore{dir: dir, poll: defaultPollInterval}, nil
}

// Load 实现 Store 接口。
func (f *FileStore) Load(_ context.Context, owner string) (*StoredSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(owner))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话文件失败")
	}

	var record StoredSession
	if err := json.Unmarshal(data, &record); err != nil {
		// 损坏的记录按不存在处理，恢复流程会将其清除。
		return nil, ErrSessionNotFound
	}
	return &record, nil
}

// Save 实现 Store 接口，使用临时文件加重命名保证写入原子性。
func (f *FileStore) Save(_ context.Context, record *StoredSession) error {
	if record == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话记录失败")
	}

	target := f.path(record.UserAddress)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话文件失败")
	}
	if err := os.Rename(tmp, target); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换会话文件失败")
	}
	return nil
}

// Clear 实现 Store 接口。
func (f *FileStore) Clear(_ context.Context, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(owner)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话文件失败")
	}
	return nil
}

// Watch 通过轮询文件修改时间近似变更通知，精度受轮询周期限制。
func (f *FileStore) Watch(ctx context.Context, owner string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	path := f.path(owner)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(f.poll)
		defer ticker.Stop()

		last, lastExists := fileStamp(path)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			current, exists := fileStamp(path)
			if exists != lastExists || current != last {
				last, lastExists = current, exists
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch, nil
}

// Close 对文件存储无需操作。
func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) path(owner string) string {
	return filepath.Join(f.dir, fmt.Sprintf("session-%s.json", normalizeOwner(owner)))
}

func fileStamp(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.ModTime().UnixNano(), true
}

// ensure interface compliance at compile time
var (
	_ Store   = (*FileStore)(nil)
	_ Watcher = (*FileStore)(nil)
)
