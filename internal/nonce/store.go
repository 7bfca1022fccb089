package nonce

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/openidauth/internal/openid"
	"github.com/hitoshi/openidauth/internal/repository"
)

// ストアの種類。
const (
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindMemory   = "memory"
)

// Config はnonceストアの設定。
type Config struct {
	Kind     string
	RedisURL string
	MaxAge   time.Duration
}

// Open は設定に応じたnonceストアを生成する。
// 返されるclose関数は保持している接続を解放する。
func Open(cfg Config, db *sql.DB) (openid.NonceStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case "", KindPostgres:
		if db == nil {
			return nil, nil, fmt.Errorf("postgres nonce store requires a database connection")
		}
		return repository.NewPostgresNonceRepo(db), noop, nil
	case KindRedis:
		if cfg.RedisURL == "" {
			return nil, nil, fmt.Errorf("REDIS_URL is required for redis nonce store")
		}
		client, err := NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStore(client, cfg.MaxAge), client.Close, nil
	case KindMemory:
		return openid.NewMemoryNonceStore(cfg.MaxAge), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown nonce store: %q", cfg.Kind)
	}
}
