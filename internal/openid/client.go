package openid

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status は認証レスポンスの処理結果を表す。
type Status string

const (
	StatusSuccess     Status = "success"
	StatusCancel      Status = "cancel"
	StatusFailure     Status = "failure"
	StatusSetupNeeded Status = "setup_needed"
)

// claimedIDParam は1.x系でreturn_toに埋め込むclaimed identifierのパラメータ名。
// 1.xのレスポンスにはclaimed_idが含まれないため、検証時に再ディスカバリーに使う。
const claimedIDParam = "openid1_claimed_id"

// rpNonceParam は1.x系でreturn_toに埋め込むRP側のnonceのパラメータ名。
// 1.xのレスポンスにはresponse_nonceが無いため、リプレイ検出にはこちらを使う。
const rpNonceParam = "openid1_nonce"

// maxClockSkew はプロバイダーとの時計のずれとして許容する未来方向の幅。
const maxClockSkew = time.Minute

// Response は認証レスポンスの検証結果を表す。
type Response struct {
	Status      Status
	IdentityURL string
	// Message は失敗時の理由。
	Message string
	// SReg は署名されたSimple Registrationの値（nickname, email等）。
	SReg map[string]string
}

// EndpointDiscoverer はディスカバリーのインターフェース。
type EndpointDiscoverer interface {
	Discover(ctx context.Context, id string) (*Endpoint, error)
}

// URLValidator はプロバイダーへ接続する前にURLを検証する。*security.Guard が実装する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ClientConfig はClientの設定。
type ClientConfig struct {
	// MaxNonceAge はレスポンスnonceの許容経過時間。
	MaxNonceAge time.Duration
	// URLValidator は識別子とOPエンドポイントの事前検証。nilの場合は検証しない。
	URLValidator URLValidator
}

// Client はRelying Partyとして認証の開始と完了を処理する。
type Client struct {
	discoverer  EndpointDiscoverer
	httpClient  *http.Client
	nonces      NonceStore
	maxNonceAge time.Duration
	validator   URLValidator
	now         func() time.Time
}

// NewClient はClientを生成する。
func NewClient(discoverer EndpointDiscoverer, httpClient *http.Client, nonces NonceStore, config ClientConfig) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.MaxNonceAge <= 0 {
		config.MaxNonceAge = 5 * time.Minute
	}
	return &Client{
		discoverer:  discoverer,
		httpClient:  httpClient,
		nonces:      nonces,
		maxNonceAge: config.MaxNonceAge,
		validator:   config.URLValidator,
		now:         time.Now,
	}
}

// Begin はユーザー入力の識別子を正規化してディスカバリーし、認証リクエストを返す。
// 識別子が不正、またはディスカバリーに失敗した場合はErrDiscoveryFailureをラップしたエラーを返す。
func (c *Client) Begin(ctx context.Context, userURL string) (*AuthRequest, error) {
	id, err := Normalize(userURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err)
	}
	if err := c.validateURL(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err)
	}

	ep, err := c.discoverer.Discover(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDiscoveryFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err)
	}
	if err := c.validateURL(ep.OPEndpoint); err != nil {
		return nil, fmt.Errorf("%w: op endpoint: %v", ErrDiscoveryFailure, err)
	}

	return NewAuthRequest(ep), nil
}

// ReturnTo はエンドポイントのバージョンに応じてreturn_toに必要なパラメータを付与する。
func (a *AuthRequest) ReturnTo(returnTo string) string {
	if a.Endpoint.Version == Version20 {
		return returnTo
	}
	u, err := url.Parse(returnTo)
	if err != nil {
		return returnTo
	}
	q := u.Query()
	q.Set(claimedIDParam, a.Endpoint.ClaimedID)
	q.Set(rpNonceParam, newRPNonce(time.Now()))
	u.RawQuery = q.Encode()
	return u.String()
}

// newRPNonce はresponse_nonceと同じ形式（RFC3339 UTCの時刻 + ランダム文字列）のnonceを生成する。
func newRPNonce(now time.Time) string {
	return now.UTC().Format(time.RFC3339) + rand.Text()
}

// Complete はプロバイダーから戻ってきたクエリを検証する。
// returnToには現在のリクエストURL（クエリを除く）を渡す。
func (c *Client) Complete(ctx context.Context, query url.Values, returnTo string) *Response {
	switch mode := query.Get("openid.mode"); mode {
	case "cancel":
		return &Response{Status: StatusCancel}
	case "setup_needed":
		return &Response{Status: StatusSetupNeeded}
	case "error":
		return &Response{Status: StatusFailure, Message: query.Get("openid.error")}
	case "id_res":
		// 1.x immediateモードの拒否応答
		if query.Get("openid.user_setup_url") != "" {
			return &Response{Status: StatusSetupNeeded}
		}
		identity, sreg, err := c.verifyAssertion(ctx, query, returnTo)
		if err != nil {
			return &Response{Status: StatusFailure, Message: err.Error()}
		}
		return &Response{Status: StatusSuccess, IdentityURL: identity, SReg: sreg}
	default:
		return &Response{Status: StatusFailure, Message: fmt.Sprintf("invalid openid.mode: %q", mode)}
	}
}

func (c *Client) validateURL(rawURL string) error {
	if c.validator == nil {
		return nil
	}
	return c.validator.ValidateURL(rawURL)
}

// verifyAssertion は肯定アサーションを検証し、claimed identifierとsreg値を返す。
func (c *Client) verifyAssertion(ctx context.Context, q url.Values, returnTo string) (string, map[string]string, error) {
	isV2 := q.Get("openid.ns") == NamespaceOpenID20

	if err := verifySignedFields(q, isV2); err != nil {
		return "", nil, err
	}
	if err := verifyReturnTo(q, returnTo); err != nil {
		return "", nil, err
	}

	claimedID, opEndpoint, err := c.verifyDiscoveredInfo(ctx, q, isV2)
	if err != nil {
		return "", nil, err
	}

	nonce := q.Get("openid.response_nonce")
	if !isV2 {
		// 署名されたreturn_toから取り出す。クエリだけに付けられた値は信用しない
		nonce = returnToParam(q, rpNonceParam)
	}
	if err := c.verifyNonce(ctx, nonce, opEndpoint); err != nil {
		return "", nil, err
	}

	if err := c.validateURL(opEndpoint); err != nil {
		return "", nil, fmt.Errorf("op endpoint: %w", err)
	}
	if err := c.checkAuthentication(ctx, q, opEndpoint, isV2); err != nil {
		return "", nil, err
	}

	return claimedID, signedSReg(q, isV2), nil
}

// verifySignedFields は必須フィールドが署名対象に含まれていることを検証する。
func verifySignedFields(q url.Values, isV2 bool) error {
	required := []string{"return_to", "identity"}
	if isV2 {
		required = []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle"}
		if q.Get("openid.claimed_id") != "" {
			required = append(required, "claimed_id")
		}
		if q.Get("openid.identity") != "" {
			required = append(required, "identity")
		}
	}

	signed := make(map[string]bool)
	for _, sf := range strings.Split(q.Get("openid.signed"), ",") {
		signed[strings.TrimSpace(sf)] = true
	}
	for _, f := range required {
		if !signed[f] {
			return fmt.Errorf("%v must be signed but isn't", f)
		}
	}
	return nil
}

// verifyReturnTo はopenid.return_toが自分のURLと一致することを検証する。
// リバースプロキシ配下ではスキームが分からないため、ホストとパスのみ比較する。
func verifyReturnTo(q url.Values, expected string) error {
	returnTo, err := url.Parse(q.Get("openid.return_to"))
	if err != nil {
		return fmt.Errorf("invalid return_to: %w", err)
	}
	want, err := url.Parse(expected)
	if err != nil {
		return fmt.Errorf("invalid expected return_to: %w", err)
	}
	if !strings.EqualFold(returnTo.Host, want.Host) || returnTo.Path != want.Path {
		return fmt.Errorf("host or path doesn't match return_to URL")
	}

	// return_toに含まれるパラメータはすべてクエリにも同じ値で存在すること
	for k := range returnTo.Query() {
		if got, want := q.Get(k), returnTo.Query().Get(k); got != want {
			return fmt.Errorf("URL query param mismatch for %s: got %v, want %v", k, got, want)
		}
	}
	return nil
}

// verifyDiscoveredInfo はアサーションの主張するclaimed identifierを再ディスカバリーし、
// プロバイダーエンドポイントと識別子が一致することを検証する。
func (c *Client) verifyDiscoveredInfo(ctx context.Context, q url.Values, isV2 bool) (string, string, error) {
	var claimedID string
	if isV2 {
		claimedID = q.Get("openid.claimed_id")
	} else {
		claimedID = q.Get(claimedIDParam)
	}
	if claimedID == "" {
		return "", "", fmt.Errorf("response has no claimed identifier")
	}

	discoveryID := claimedID
	if i := strings.Index(discoveryID, "#"); i >= 0 {
		discoveryID = discoveryID[:i]
	}

	if err := c.validateURL(discoveryID); err != nil {
		return "", "", fmt.Errorf("claimed identifier: %w", err)
	}
	ep, err := c.discoverer.Discover(ctx, discoveryID)
	if err != nil {
		return "", "", fmt.Errorf("failed to rediscover claimed identifier: %w", err)
	}

	if isV2 {
		if ep.OPEndpoint != q.Get("openid.op_endpoint") {
			return "", "", fmt.Errorf("op_endpoint %q doesn't match discovered endpoint", q.Get("openid.op_endpoint"))
		}
	}
	if ep.OPIdentifier {
		return "", "", fmt.Errorf("claimed identifier resolves to an OP identifier")
	}
	if ep.Identity() != q.Get("openid.identity") {
		return "", "", fmt.Errorf("identity %q doesn't match discovered local identifier", q.Get("openid.identity"))
	}

	return claimedID, ep.OPEndpoint, nil
}

// returnToParam はopenid.return_toに含まれるクエリパラメータの値を返す。
func returnToParam(q url.Values, key string) string {
	u, err := url.Parse(q.Get("openid.return_to"))
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}

// verifyNonce はnonceの時刻とリプレイを検証する。
// 2.0ではresponse_nonce、1.xではreturn_toに埋め込んだRPのnonceを渡す。
func (c *Client) verifyNonce(ctx context.Context, nonce, opEndpoint string) error {
	ts, err := parseNonceTime(nonce)
	if err != nil {
		return err
	}

	now := c.now()
	if ts.Add(c.maxNonceAge).Before(now) {
		return fmt.Errorf("nonce too old: %v", ts)
	}
	if ts.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("nonce from the future: %v", ts)
	}

	if c.nonces == nil {
		return nil
	}
	if err := c.nonces.Accept(ctx, opEndpoint, nonce, ts); err != nil {
		return fmt.Errorf("nonce rejected: %w", err)
	}
	return nil
}

// checkAuthentication はプロバイダーに直接問い合わせて署名を検証する（stateless mode）。
func (c *Client) checkAuthentication(ctx context.Context, q url.Values, opEndpoint string, isV2 bool) error {
	params := url.Values{}
	for k, vs := range q {
		if !strings.HasPrefix(k, "openid.") || k == "openid.mode" {
			continue
		}
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("openid.mode", "check_authentication")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create check_authentication request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("check_authentication request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("check_authentication returned status %d", resp.StatusCode)
	}

	kv, err := parseKeyValueForm(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return err
	}
	if kv["is_valid"] != "true" {
		return fmt.Errorf("could not verify assertion")
	}
	if isV2 && kv["ns"] != NamespaceOpenID20 {
		return fmt.Errorf("could not verify assertion: unexpected namespace %q", kv["ns"])
	}
	return nil
}

// parseKeyValueForm はOpenIDのKey-Value Form Encoding（key:value\n）を解析する。
func parseKeyValueForm(r io.Reader) (map[string]string, error) {
	kv := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		kv[k] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read key-value response: %w", err)
	}
	return kv, nil
}

// signedSReg は署名対象に含まれるsreg値のみを返す。
func signedSReg(q url.Values, isV2 bool) map[string]string {
	alias := "sreg"
	if isV2 {
		alias = ""
		for k, vs := range q {
			if strings.HasPrefix(k, "openid.ns.") && len(vs) > 0 && vs[0] == NamespaceSReg11 {
				alias = strings.TrimPrefix(k, "openid.ns.")
				break
			}
		}
		if alias == "" {
			return nil
		}
	}

	prefix := alias + "."
	sreg := make(map[string]string)
	for _, sf := range strings.Split(q.Get("openid.signed"), ",") {
		sf = strings.TrimSpace(sf)
		if !strings.HasPrefix(sf, prefix) {
			continue
		}
		sreg[strings.TrimPrefix(sf, prefix)] = q.Get("openid." + sf)
	}
	if len(sreg) == 0 {
		return nil
	}
	return sreg
}
