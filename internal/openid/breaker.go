package openid

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig はプロバイダーホストごとのサーキットブレーカー設定。
type BreakerConfig struct {
	// MaxRequests はhalf-open状態で許可するリクエスト数。
	MaxRequests uint32
	// Interval はclosed状態でカウントをリセットする間隔。
	Interval time.Duration
	// Timeout はopen状態からhalf-openに移るまでの時間。
	Timeout time.Duration
	// ConsecutiveFailures はopenに遷移する連続失敗数。
	ConsecutiveFailures uint32
	// IdleTTL は最終利用からこの時間を超えたclosedのブレーカーを破棄する。
	IdleTTL time.Duration
}

// DefaultBreakerConfig はデフォルトのサーキットブレーカー設定を返す。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		IdleTTL:             10 * time.Minute,
	}
}

// errUpstreamStatus はプロバイダーが5xxを返したことをブレーカーに伝えるための内部エラー。
var errUpstreamStatus = errors.New("upstream returned server error")

// breakerTransport はホストごとにgobreakerを挟むhttp.RoundTripper。
// 応答しないプロバイダーへのディスカバリー・直接検証を早期に打ち切る。
type breakerTransport struct {
	base   http.RoundTripper
	config BreakerConfig

	now func() time.Time

	mu        sync.Mutex
	breakers  map[string]*hostBreaker
	lastSweep time.Time
}

type hostBreaker struct {
	cb       *gobreaker.CircuitBreaker
	lastUsed time.Time
}

// WithCircuitBreaker はclientのTransportをホスト単位のサーキットブレーカーでラップしたクライアントを返す。
func WithCircuitBreaker(client *http.Client, config BreakerConfig) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = &breakerTransport{
		base:     base,
		config:   config,
		now:      time.Now,
		breakers: make(map[string]*hostBreaker),
	}
	return &wrapped
}

// RoundTrip はリクエスト先ホストのブレーカーを通してリクエストを送信する。
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cb := t.breaker(req.URL.Host)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})

	if errors.Is(err, errUpstreamStatus) {
		// 失敗としてカウント済み。レスポンス自体は呼び出し元に返す
		return result.(*http.Response), nil
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %s temporarily unavailable: %w", req.URL.Host, err)
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// breaker はホストに対応するブレーカーを取得または作成する。
func (t *breakerTransport) breaker(host string) *gobreaker.CircuitBreaker {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evict(now)
	if hb, ok := t.breakers[host]; ok {
		hb.lastUsed = now
		return hb.cb
	}

	threshold := t.config.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: t.config.MaxRequests,
		Interval:    t.config.Interval,
		Timeout:     t.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("openid provider circuit breaker state changed",
				slog.String("host", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	t.breakers[host] = &hostBreaker{cb: cb, lastUsed: now}
	return cb
}

// evict はIdleTTLを超えて使われていないclosedのブレーカーを削除する。
// open/half-openのものは状態を失わないよう残す。呼び出し側でmuを保持すること。
func (t *breakerTransport) evict(now time.Time) {
	ttl := t.config.IdleTTL
	if ttl <= 0 || now.Sub(t.lastSweep) < ttl {
		return
	}
	t.lastSweep = now
	for host, hb := range t.breakers {
		if now.Sub(hb.lastUsed) > ttl && hb.cb.State() == gobreaker.StateClosed {
			delete(t.breakers, host)
		}
	}
}
