// Package consumer はOpenIDのRelying PartyとしてのHTTPエンドポイントを提供する。
//
// Consumerはマウント先のパス（既定では /openid/）以下を受け持ち、
// 残りのパスの先頭セグメントでアクションを振り分ける。
// AuthConsumerはユーザーアカウントとの紐付けを、RegistrationConsumerは
// さらに新規アカウント登録を追加する。
package consumer

import (
	"strings"

	"github.com/hitoshi/openidauth/internal/middleware"
)

const (
	// DefaultURLNamePrefix はURL名の既定のプレフィックス（openid-login 等）。
	DefaultURLNamePrefix = "openid"
	// DefaultPathPrefix は既定のマウント先パス。
	DefaultPathPrefix = "/openid/"
)

// ExtensionArg は認証リクエストに追加する拡張引数（openid.<Namespace>.<Key>=<Value>）。
type ExtensionArg struct {
	Namespace string
	Key       string
	Value     string
}

// Config はConsumerの設定。
type Config struct {
	// URLNamePrefix はURL名のプレフィックス。空の場合は "openid"。
	URLNamePrefix string
	// PathPrefix はマウント先のパス。Reverseで使う。空の場合は "/openid/"。
	PathPrefix string
	// BaseURL は絶対URLを組み立てる際のスキームとホスト（例: https://example.com）。
	// 空の場合はリクエストから組み立てる。
	BaseURL string

	// TrustRoot はrealm（1.xではtrust_root）。空の場合はエンドポイントの絶対URL。
	TrustRoot string
	// OnCompleteURL はreturn_to。空の場合はエンドポイントの絶対URL + "complete/"。
	OnCompleteURL string
	// LogoPath はログイン画面に表示するOpenIDロゴのパス。空の場合は logo アクション。
	LogoPath string

	// SReg はSimple Registrationで任意項目として要求するフィールド
	// （nickname, email, fullname, dob, gender, postcode, country, language, timezone）。
	SReg []string
	// SRegRequired は必須項目として要求するフィールド。
	SRegRequired []string
	// SRegPolicyURL はsreg.policy_urlとして送るプライバシーポリシーのURL。
	SRegPolicyURL string
	// ExtensionArgs はsreg以外の拡張引数。
	ExtensionArgs []ExtensionArg

	// XRIEnabled がfalseの場合、i-name（XRI）の入力を拒否する。
	XRIEnabled bool
	// Debug がtrueの場合のみ debug アクションを有効にする。
	Debug bool

	// AfterLoginRedirectURL はログイン後のリダイレクト先。空の場合は "/"。
	AfterLoginRedirectURL string
	// AfterLogoutRedirectURL はログアウト後のリダイレクト先。空の場合は "/"。
	AfterLogoutRedirectURL string

	// Cookie はセッションCookieの属性。
	Cookie middleware.CookieConfig
}

// withDefaults は未設定の項目を既定値で埋めたコピーを返す。
func (c Config) withDefaults() Config {
	if c.URLNamePrefix == "" {
		c.URLNamePrefix = DefaultURLNamePrefix
	}
	if c.PathPrefix == "" {
		c.PathPrefix = DefaultPathPrefix
	}
	if !strings.HasSuffix(c.PathPrefix, "/") {
		c.PathPrefix += "/"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.AfterLoginRedirectURL == "" {
		c.AfterLoginRedirectURL = "/"
	}
	if c.AfterLogoutRedirectURL == "" {
		c.AfterLogoutRedirectURL = "/"
	}
	return c
}

// URLName はアクションのURL名（<prefix>-<action>）を返す。
func URLName(prefix, action string) string {
	return prefix + "-" + action
}
