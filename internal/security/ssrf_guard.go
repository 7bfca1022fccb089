// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はOpenIDプロバイダーとの通信に対するSSRF防止機能のインターフェース。
// ディスカバリー（識別子URLの取得）とcheck_authentication（OPエンドポイントへのPOST）で使う。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client

	// ValidateURL は識別子やOPエンドポイントのURLをDNS解決前に検証する。
	ValidateURL(rawURL string) error
}

// allowedSchemes はプロバイダーとの通信で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は内部ネットワークとみなすアドレス範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"127.0.0.0/8",    // ループバック
	"169.254.0.0/16", // リンクローカル（メタデータIPを含む）
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

// blockedHostnames はIPアドレスでなくても内部向けとみなすホスト名。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

func mustParseCIDRs(cidrs ...string) []net.IPNet {
	networks := make([]net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, *network)
	}
	return networks
}

// Guard はSSRFGuardServiceの実装。
type Guard struct {
	allowPrivate bool
	ports        []int
}

// Option はGuardの設定を変更する。
type Option func(*Guard)

// AllowPrivateNetworks は内部ネットワーク上のプロバイダーを許可する。
// 開発環境でローカルのOPに接続する場合のみ使う。
func AllowPrivateNetworks() Option {
	return func(g *Guard) { g.allowPrivate = true }
}

// WithAllowedPorts は接続を許可するポートを指定する。既定は80と443。
func WithAllowedPorts(ports ...int) Option {
	return func(g *Guard) { g.ports = ports }
}

// NewSSRFGuard はGuardを生成する。
func NewSSRFGuard(opts ...Option) *Guard {
	g := &Guard{ports: []int{80, 443}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewSafeClient はプロバイダーと通信するHTTPクライアントを生成する。
// safeurlがDialerのControlフックで接続先IPを検証するため、DNS再バインディングも防げる。
// レスポンスボディはmaxResponseSizeバイトで打ち切る。
func (g *Guard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	var client *http.Client
	if g.allowPrivate {
		client = &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()}
	} else {
		config := safeurl.GetConfigBuilder().
			SetTimeout(timeout).
			SetAllowedSchemes(allowedSchemes...).
			SetAllowedPorts(g.ports...).
			Build()
		client = safeurl.Client(config).Client
	}

	if maxResponseSize > 0 {
		next := client.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		client.Transport = &limitedTransport{next: next, max: maxResponseSize}
	}
	return client
}

// ValidateURL はURLを静的に検証する。
// ログイン開始時の識別子と、アサーションに含まれるOPエンドポイントの事前チェックに使う。
func (g *Guard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if g.allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
	} else if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	if p := parsed.Port(); p != "" && !g.isAllowedPort(p) {
		return fmt.Errorf("disallowed port: %s (allowed: %v)", p, g.ports)
	}

	return nil
}

func (g *Guard) isAllowedPort(port string) bool {
	for _, p := range g.ports {
		if strconv.Itoa(p) == port {
			return true
		}
	}
	return false
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return true
		}
	}
	return false
}

// limitedTransport はレスポンスボディの読み取りを上限で打ち切るRoundTripper。
type limitedTransport struct {
	next http.RoundTripper
	max  int64
}

// RoundTrip はリクエストを委譲し、ボディをmaxバイトまでに制限する。
func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &limitedBody{Reader: io.LimitReader(resp.Body, t.max), Closer: resp.Body}
	return resp, nil
}

type limitedBody struct {
	io.Reader
	io.Closer
}

var _ SSRFGuardService = (*Guard)(nil)
