package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/openidauth/internal/metrics"
	"github.com/hitoshi/openidauth/internal/model"
	"github.com/hitoshi/openidauth/internal/openid"
	"github.com/hitoshi/openidauth/internal/security"
)

// OpenIDClient はConsumerが使うOpenIDプロトコルのクライアント。
// *openid.Client が実装する。
type OpenIDClient interface {
	Begin(ctx context.Context, userURL string) (*openid.AuthRequest, error)
	Complete(ctx context.Context, query url.Values, returnTo string) *openid.Response
}

// successHandler は検証に成功したOpenIDを受け取ってレスポンスを返す。
type successHandler func(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID)

// Consumer はOpenIDでのサインインを扱う基本のエンドポイント。
// サインインしたOpenIDはStateStoreに記録し、ログイン後のリダイレクト先へ戻す。
type Consumer struct {
	config    Config
	client    OpenIDClient
	state     StateStore
	metrics   metrics.MetricsCollector
	sanitizer security.ProfileSanitizerService

	actions   map[string]http.HandlerFunc
	onSuccess successHandler
}

// NewConsumer はConsumerを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewConsumer(client OpenIDClient, state StateStore, config Config, collector metrics.MetricsCollector) *Consumer {
	if collector == nil {
		collector = metrics.Nop{}
	}
	c := &Consumer{
		config:    config.withDefaults(),
		client:    client,
		state:     state,
		metrics:   collector,
		sanitizer: security.NewProfileSanitizer(),
		actions:   make(map[string]http.HandlerFunc),
	}
	c.onSuccess = c.saveAndRedirect

	c.handle("login", c.login)
	c.handle("complete", c.complete)
	c.handle("logo", c.logo)
	c.handle("logout", c.logout)
	c.handle("debug", c.debug)
	return c
}

// handle はアクションを登録する。同名のアクションは置き換える。
func (c *Consumer) handle(action string, h http.HandlerFunc) {
	c.actions[action] = h
}

// State はサインイン状態の保持方式を返す。
func (c *Consumer) State() StateStore {
	return c.state
}

// ServeHTTP はマウント先以下の残りのパス（rest_of_url）の先頭セグメントでアクションを振り分ける。
// 末尾がスラッシュでないパスはスラッシュ付きにリダイレクトする。
func (c *Consumer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/") {
		target := r.URL.Path + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	action, _, _ := strings.Cut(restOfURL(r), "/")
	if action == "" {
		action = "login"
	}

	h, ok := c.actions[action]
	if !ok {
		c.showError(w, r, model.NewActionNotFoundError(action))
		return
	}
	h(w, r)
}

// Reverse はURL名（<prefix>-<action>）に対応するパスを返す。
func (c *Consumer) Reverse(name string) (string, bool) {
	action, ok := strings.CutPrefix(name, c.config.URLNamePrefix+"-")
	if !ok {
		return "", false
	}
	if _, exists := c.actions[action]; !exists {
		return "", false
	}
	return c.config.PathPrefix + action + "/", true
}

// URLNames は登録済みアクションのURL名をソートして返す。
func (c *Consumer) URLNames() []string {
	names := make([]string, 0, len(c.actions))
	for action := range c.actions {
		names = append(names, URLName(c.config.URLNamePrefix, action))
	}
	sort.Strings(names)
	return names
}

// RedirectAfterLogin はログイン後のリダイレクトを行う。
// 同一オリジンのnextパラメータがあればそちらを優先する。
func (c *Consumer) RedirectAfterLogin(w http.ResponseWriter, r *http.Request) {
	c.redirectNext(w, r, c.config.AfterLoginRedirectURL)
}

// RedirectAfterLogout はログアウト後のリダイレクトを行う。
func (c *Consumer) RedirectAfterLogout(w http.ResponseWriter, r *http.Request) {
	c.redirectNext(w, r, c.config.AfterLogoutRedirectURL)
}

func (c *Consumer) redirectNext(w http.ResponseWriter, r *http.Request, fallback string) {
	target := c.safeNext(r.FormValue("next"))
	if target == "" {
		target = fallback
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// safeNext はnextが同一オリジンへの遷移先であればそのまま、そうでなければ空文字列を返す。
func (c *Consumer) safeNext(next string) string {
	if next == "" || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}

	if u.IsAbs() || u.Host != "" {
		if c.config.BaseURL == "" {
			return ""
		}
		base, err := url.Parse(c.config.BaseURL)
		if err != nil || u.Scheme != base.Scheme || !strings.EqualFold(u.Host, base.Host) {
			return ""
		}
		return next
	}

	if !strings.HasPrefix(u.Path, "/") {
		return ""
	}
	return next
}

// login はGETでログインフォームを表示し、POSTでプロバイダーへのリダイレクトを行う。
func (c *Consumer) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.showLogin(w, r, http.StatusOK, "")
		return
	}

	userURL := strings.TrimSpace(r.PostFormValue("openid_url"))
	if userURL == "" {
		c.showLoginError(w, r, model.NewOpenIDRequiredError())
		return
	}
	if openid.IsXRI(userURL) && !c.config.XRIEnabled {
		c.showLoginError(w, r, model.NewXRIDisabledError())
		return
	}

	start := time.Now()
	authReq, err := c.client.Begin(r.Context(), userURL)
	c.metrics.RecordDiscovery(time.Since(start), err == nil)
	if err != nil {
		slog.Warn("openid discovery failed",
			slog.String("openid_url", userURL),
			slog.String("error", err.Error()),
		)
		c.showError(w, r, model.NewInvalidOpenIDError())
		return
	}

	base := c.basePath(r)
	trustRoot := c.config.TrustRoot
	if trustRoot == "" {
		trustRoot = c.absoluteURL(r, base)
	}
	returnTo := c.config.OnCompleteURL
	if returnTo == "" {
		returnTo = c.absoluteURL(r, base+"complete/")
	}
	if next := c.safeNext(r.PostFormValue("next")); next != "" {
		returnTo = withQueryParam(returnTo, "next", next)
	}

	c.addExtensionArgs(authReq)

	slog.Info("redirecting to openid provider",
		slog.String("op_endpoint", authReq.Endpoint.OPEndpoint),
		slog.String("version", authReq.Endpoint.Version),
	)
	http.Redirect(w, r, authReq.RedirectURL(trustRoot, authReq.ReturnTo(returnTo)), http.StatusFound)
}

// addExtensionArgs は拡張引数とsregの要求を認証リクエストに追加する。
func (c *Consumer) addExtensionArgs(authReq *openid.AuthRequest) {
	for _, arg := range c.config.ExtensionArgs {
		authReq.AddExtensionArg(arg.Namespace, arg.Key, arg.Value)
	}
	if len(c.config.SReg) > 0 {
		authReq.AddExtensionArg("sreg", "optional", strings.Join(c.config.SReg, ","))
	}
	if len(c.config.SRegRequired) > 0 {
		authReq.AddExtensionArg("sreg", "required", strings.Join(c.config.SRegRequired, ","))
	}
	if c.config.SRegPolicyURL != "" {
		authReq.AddExtensionArg("sreg", "policy_url", c.config.SRegPolicyURL)
	}
}

// complete はプロバイダーから戻ってきたレスポンスを検証する。
func (c *Consumer) complete(w http.ResponseWriter, r *http.Request) {
	resp := c.client.Complete(r.Context(), r.URL.Query(), c.absoluteURL(r, r.URL.Path))
	c.metrics.RecordLoginResult(string(resp.Status))

	switch resp.Status {
	case openid.StatusSuccess:
		slog.Info("openid verified", slog.String("openid", resp.IdentityURL))
		c.onSuccess(w, r, model.SignedInOpenID{
			OpenID:     resp.IdentityURL,
			SReg:       c.sanitizer.SanitizeSReg(resp.SReg),
			SignedInAt: time.Now(),
		})
	case openid.StatusCancel:
		c.showError(w, r, model.NewOpenIDCancelledError())
	case openid.StatusSetupNeeded:
		c.showError(w, r, model.NewOpenIDSetupNeededError())
	default:
		slog.Warn("openid verification failed", slog.String("reason", resp.Message))
		c.showError(w, r, model.NewOpenIDFailureError(resp.Message))
	}
}

// saveAndRedirect はOpenIDを記録してログイン後のリダイレクト先へ戻す。
func (c *Consumer) saveAndRedirect(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID) {
	if err := c.state.Save(w, r, signed); err != nil {
		c.showInternalError(w, r, err)
		return
	}
	c.RedirectAfterLogin(w, r)
}

// logo はOpenIDロゴのGIF画像を返す。
func (c *Consumer) logo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(openIDLogo)
}

// logout は ?openids=<id> で指定したOpenIDだけ、指定がなければ全てをサインアウトする。
func (c *Consumer) logout(w http.ResponseWriter, r *http.Request) {
	if err := c.state.Clear(w, r, r.FormValue("openids")); err != nil {
		c.showInternalError(w, r, err)
		return
	}
	c.RedirectAfterLogout(w, r)
}

// debug はサインイン状態をJSONで返す。Config.Debugが無効な場合は404。
func (c *Consumer) debug(w http.ResponseWriter, r *http.Request) {
	if !c.config.Debug {
		c.showError(w, r, model.NewActionNotFoundError("debug"))
		return
	}

	openids, err := c.state.Load(w, r)
	if err != nil {
		c.showInternalError(w, r, err)
		return
	}

	urls := make(map[string]string)
	for _, name := range c.URLNames() {
		if path, ok := c.Reverse(name); ok {
			urls[name] = path
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"rest_of_url": restOfURL(r),
		"openids":     openids,
		"urls":        urls,
	})
}

// handleError はAPIErrorであればエラー画面を、それ以外は内部エラーを表示する。
func (c *Consumer) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		c.showError(w, r, apiErr)
		return
	}
	c.showInternalError(w, r, err)
}

func (c *Consumer) showInternalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("openid consumer internal error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	data := c.newPage(r)
	data.Message = "内部エラーが発生しました。"
	data.Hint = "しばらく待ってから再度お試しください。"
	c.render(w, http.StatusInternalServerError, "error.html", data)
}

// restOfURL はマウント先以下の残りのパスを返す。
func restOfURL(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// basePath はエンドポイントのマウント先のパスを返す。
func (c *Consumer) basePath(r *http.Request) string {
	base := strings.TrimSuffix(r.URL.Path, restOfURL(r))
	if base == "" {
		return c.config.PathPrefix
	}
	return base
}

// actionURL はアクションのパスを返す。
func (c *Consumer) actionURL(r *http.Request, action string) string {
	return c.basePath(r) + action + "/"
}

// absoluteURL はパスを絶対URLにする。
func (c *Consumer) absoluteURL(r *http.Request, path string) string {
	if c.config.BaseURL != "" {
		return c.config.BaseURL + path
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + path
}

// withQueryParam はURLにクエリパラメータを追加する。
func withQueryParam(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
