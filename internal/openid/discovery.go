package openid

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// OpenIDのサービスタイプURI。
const (
	TypeOPIdentifier = "http://specs.openid.net/auth/2.0/server"
	TypeSignon20     = "http://specs.openid.net/auth/2.0/signon"
	TypeSignon11     = "http://openid.net/signon/1.1"
	TypeSignon10     = "http://openid.net/signon/1.0"

	// IdentifierSelect はOP識別子を使う場合にclaimed_id/identityへ設定する値。
	IdentifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"
)

// プロトコルバージョン。
const (
	Version20 = "2.0"
	Version11 = "1.1"
)

const (
	contentTypeXRDS = "application/xrds+xml"
	headerXRDS      = "X-XRDS-Location"
	// defaultMaxDiscoveryBody はディスカバリーで読み込むレスポンスボディの上限。
	defaultMaxDiscoveryBody = 1 << 20
)

// ErrDiscoveryFailure はOpenIDプロバイダーのディスカバリーに失敗したことを示す。
var ErrDiscoveryFailure = errors.New("openid discovery failed")

// Endpoint はディスカバリーで得られたOpenIDプロバイダーの情報を表す。
type Endpoint struct {
	OPEndpoint   string
	ClaimedID    string
	LocalID      string
	Version      string
	OPIdentifier bool
}

// Identity はプロバイダーに送るopenid.identityの値を返す。
func (e *Endpoint) Identity() string {
	if e.OPIdentifier {
		return IdentifierSelect
	}
	if e.LocalID != "" {
		return e.LocalID
	}
	return e.ClaimedID
}

// Discoverer は識別子からOpenIDプロバイダーのエンドポイントを検出する。
// Yadis（XRDS）を優先し、見つからなければHTMLの<link>要素を解析する。
type Discoverer struct {
	httpClient *http.Client
	maxBody    int64
}

// NewDiscoverer はDiscovererを生成する。
// httpClientにはSSRF防止機能付きのクライアントを渡すことを想定している。
func NewDiscoverer(httpClient *http.Client) *Discoverer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Discoverer{
		httpClient: httpClient,
		maxBody:    defaultMaxDiscoveryBody,
	}
}

// Discover は正規化済みの識別子に対してディスカバリーを実行する。
func (d *Discoverer) Discover(ctx context.Context, id string) (*Endpoint, error) {
	body, contentType, finalURL, xrdsLocation, err := d.fetch(ctx, id, contentTypeXRDS+", text/html;q=0.9")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err)
	}

	claimedID := finalURL

	// 1. X-XRDS-LocationヘッダーがあればXRDS文書を取得
	if xrdsLocation != "" && !isXRDSContentType(contentType) {
		xrdsBody, xrdsType, _, _, err := d.fetch(ctx, xrdsLocation, contentTypeXRDS)
		if err == nil && isXRDSContentType(xrdsType) {
			if ep, err := parseXRDS(xrdsBody, claimedID); err == nil {
				return ep, nil
			}
		}
	}

	// 2. レスポンス自体がXRDS文書
	if isXRDSContentType(contentType) {
		ep, err := parseXRDS(body, claimedID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err)
		}
		return ep, nil
	}

	// 3. HTMLベースのディスカバリー
	ep, err := parseHTML(body, claimedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err)
	}
	return ep, nil
}

// fetch は指定URLを取得し、ボディ・Content-Type・リダイレクト後のURL・X-XRDS-Locationを返す。
func (d *Discoverer) fetch(ctx context.Context, rawURL, accept string) ([]byte, string, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", "", "", fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "openidauth/1.0 OpenID Relying Party")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", "", "", fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", "", "", fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody))
	if err != nil {
		return nil, "", "", "", fmt.Errorf("failed to read discovery response: %w", err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return body, resp.Header.Get("Content-Type"), finalURL, resp.Header.Get(headerXRDS), nil
}

func isXRDSContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.EqualFold(mediaType, contentTypeXRDS)
}

// --- XRDS ---

type xrdsDocument struct {
	XMLName xml.Name     `xml:"XRDS"`
	XRDs    []xrdElement `xml:"XRD"`
}

type xrdElement struct {
	Services []xrdsService `xml:"Service"`
}

type xrdsService struct {
	Priority string   `xml:"priority,attr"`
	Types    []string `xml:"Type"`
	URIs     []string `xml:"URI"`
	LocalID  string   `xml:"LocalID"`
	Delegate string   `xml:"Delegate"`
}

func (s xrdsService) hasType(t string) bool {
	for _, st := range s.Types {
		if strings.TrimSpace(st) == t {
			return true
		}
	}
	return false
}

// priorityValue はpriority属性を数値化する。属性なしは最低優先度として扱う。
func priorityValue(p string) int {
	v, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil || v < 0 {
		return int(^uint(0) >> 1)
	}
	return v
}

// parseXRDS はXRDS文書からOpenIDエンドポイントを選択する。
// 優先順位: OP識別子(2.0) → claimed identifier(2.0) → 1.1 → 1.0、同一タイプ内はpriority昇順。
func parseXRDS(body []byte, claimedID string) (*Endpoint, error) {
	var doc xrdsDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse XRDS: %w", err)
	}
	if len(doc.XRDs) == 0 {
		return nil, fmt.Errorf("no XRD element in XRDS")
	}

	// 最後のXRDが最終的な解決結果
	services := append([]xrdsService(nil), doc.XRDs[len(doc.XRDs)-1].Services...)
	sort.SliceStable(services, func(i, j int) bool {
		return priorityValue(services[i].Priority) < priorityValue(services[j].Priority)
	})

	for _, t := range []string{TypeOPIdentifier, TypeSignon20, TypeSignon11, TypeSignon10} {
		for _, svc := range services {
			if !svc.hasType(t) || len(svc.URIs) == 0 {
				continue
			}
			ep := &Endpoint{OPEndpoint: strings.TrimSpace(svc.URIs[0])}
			switch t {
			case TypeOPIdentifier:
				ep.Version = Version20
				ep.OPIdentifier = true
				ep.ClaimedID = IdentifierSelect
			case TypeSignon20:
				ep.Version = Version20
				ep.ClaimedID = claimedID
				ep.LocalID = strings.TrimSpace(svc.LocalID)
			default:
				ep.Version = Version11
				ep.ClaimedID = claimedID
				ep.LocalID = strings.TrimSpace(svc.Delegate)
			}
			return ep, nil
		}
	}

	return nil, fmt.Errorf("no OpenID service in XRDS")
}

// --- HTML ---

// parseHTML はHTMLの<link rel="openid2.provider">等からエンドポイントを取得する。
func parseHTML(body []byte, claimedID string) (*Endpoint, error) {
	links := make(map[string]string)

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		if tok.Data == "body" {
			break
		}
		if tok.Data != "link" {
			continue
		}

		var rel, href string
		for _, attr := range tok.Attr {
			switch strings.ToLower(attr.Key) {
			case "rel":
				rel = attr.Val
			case "href":
				href = strings.TrimSpace(attr.Val)
			}
		}
		if href == "" {
			continue
		}
		for _, r := range strings.Fields(strings.ToLower(rel)) {
			if _, exists := links[r]; !exists {
				links[r] = href
			}
		}
	}

	if provider, ok := links["openid2.provider"]; ok {
		return &Endpoint{
			OPEndpoint: provider,
			ClaimedID:  claimedID,
			LocalID:    links["openid2.local_id"],
			Version:    Version20,
		}, nil
	}
	if server, ok := links["openid.server"]; ok {
		return &Endpoint{
			OPEndpoint: server,
			ClaimedID:  claimedID,
			LocalID:    links["openid.delegate"],
			Version:    Version11,
		}, nil
	}

	return nil, fmt.Errorf("no OpenID provider link in HTML")
}
