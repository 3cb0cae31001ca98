package transient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	value     PendingCreator
	expiresAt time.Time
}

// MemoryStore はプロセス内メモリを使用した一時状態ストア。
// 単一インスタンス構成やテストで使用する。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。ttlが0以下の場合はDefaultTTLを使用する。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get はエントリを取得する。期限切れのエントリは削除してnilを返す。
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*PendingCreator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key(sessionID)]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key(sessionID))
		return nil, nil
	}
	v := e.value
	return &v, nil
}

// Put はエントリを保存する。
func (m *MemoryStore) Put(_ context.Context, sessionID string, entry PendingCreator) error {
	if sessionID == "" || entry.Subject == "" {
		return fmt.Errorf("transient: missing session id or subject")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(sessionID)] = memoryEntry{value: entry, expiresAt: m.now().Add(m.ttl)}
	return nil
}

// Delete はエントリを削除する。
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(sessionID))
	return nil
}

var _ Store = (*MemoryStore)(nil)
