package openid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNonceReused はレスポンスnonceが既に使用済みであることを示す。
var ErrNonceReused = errors.New("response nonce already used")

// NonceStore はレスポンスnonceのリプレイ検出に使うストアのインターフェース。
// 同一(endpoint, nonce)の2回目以降のAcceptはErrNonceReusedを返す。
type NonceStore interface {
	Accept(ctx context.Context, endpoint, nonce string, issuedAt time.Time) error
}

// parseNonceTime はopenid.response_nonceの先頭20文字（RFC3339 UTC）を時刻として解釈する。
func parseNonceTime(nonce string) (time.Time, error) {
	if len(nonce) < 20 || len(nonce) > 255 {
		return time.Time{}, fmt.Errorf("invalid nonce length: %d", len(nonce))
	}
	ts, err := time.Parse(time.RFC3339, nonce[:20])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid nonce timestamp: %w", err)
	}
	return ts, nil
}

// MemoryNonceStore はプロセス内メモリにnonceを保持するNonceStore。
// 単一プロセスでの開発・テスト用。maxAgeを過ぎたエントリはAccept時に掃除する。
type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	maxAge time.Duration
	now    func() time.Time
}

// NewMemoryNonceStore はMemoryNonceStoreを生成する。
func NewMemoryNonceStore(maxAge time.Duration) *MemoryNonceStore {
	return &MemoryNonceStore{
		seen:   make(map[string]time.Time),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Accept はnonceを記録する。既に記録済みの場合はErrNonceReusedを返す。
func (s *MemoryNonceStore) Accept(_ context.Context, endpoint, nonce string, issuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, ts := range s.seen {
		if now.Sub(ts) > s.maxAge {
			delete(s.seen, k)
		}
	}

	key := endpoint + "\x00" + nonce
	if _, exists := s.seen[key]; exists {
		return ErrNonceReused
	}
	s.seen[key] = issuedAt
	return nil
}

// compile-time interface check
var _ NonceStore = (*MemoryNonceStore)(nil)
