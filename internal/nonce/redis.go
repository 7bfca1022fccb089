// Package nonce はレスポンスnonceのリプレイ検出に使うストアを提供する。
package nonce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/openidauth/internal/openid"
)

const defaultKeyPrefix = "openid:nonce:"

// RedisStore はRedisのSET NXでnonceを記録するopenid.NonceStore。
// キーはnonceの発行時刻から許容経過時間が過ぎると失効するため、掃除のバッチは不要。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// NewRedisClient はREDIS_URL形式（redis://host:port/db）からクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// key はサーバーURLとnonceからRedisのキーを組み立てる。
// サーバーURLは長くなりうるためハッシュ化する。
func (s *RedisStore) key(serverURL, nonce string) string {
	sum := sha256.Sum256([]byte(serverURL))
	return s.prefix + hex.EncodeToString(sum[:8]) + ":" + nonce
}

// Accept はnonceを記録する。既に記録済みの場合はopenid.ErrNonceReusedを返す。
func (s *RedisStore) Accept(ctx context.Context, serverURL, nonce string, issuedAt time.Time) error {
	ok, err := s.client.SetNX(ctx, s.key(serverURL, nonce), issuedAt.Unix(), s.expiration(issuedAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store nonce in redis: %w", err)
	}
	if !ok {
		return openid.ErrNonceReused
	}
	return nil
}

// expiration はキーの有効期間を返す。
// 未来の時刻で発行されたnonceはissuedAt+ttlまで有効なので、その時刻まで保持する。
func (s *RedisStore) expiration(issuedAt time.Time) time.Duration {
	if d := issuedAt.Add(s.ttl).Sub(s.now()); d > s.ttl {
		return d
	}
	return s.ttl
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// compile-time interface check
var _ openid.NonceStore = (*RedisStore)(nil)
