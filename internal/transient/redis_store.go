package transient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient はRedisクライアントを生成し、接続を確認する。
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisStore はRedisを使用した一時状態ストア。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore はRedisStoreを生成する。ttlが0以下の場合はDefaultTTLを使用する。
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Get はエントリを取得する。存在しない場合はnilを返す。
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*PendingCreator, error) {
	val, err := r.client.Get(ctx, key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transient: failed to get: %w", err)
	}

	var entry PendingCreator
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("transient: failed to unmarshal: %w", err)
	}
	return &entry, nil
}

// Put はエントリを保存し、有効期限を延長する。
func (r *RedisStore) Put(ctx context.Context, sessionID string, entry PendingCreator) error {
	if sessionID == "" || entry.Subject == "" {
		return fmt.Errorf("transient: missing session id or subject")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("transient: failed to marshal: %w", err)
	}
	return r.client.Set(ctx, key(sessionID), data, r.ttl).Err()
}

// Delete はエントリを削除する。
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, key(sessionID)).Err()
}

var _ Store = (*RedisStore)(nil)
