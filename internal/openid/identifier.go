// Package openid はOpenID 2.0（1.x互換）のRelying Party側プロトコルを提供する。
// 識別子の正規化、ディスカバリー、認証リクエストURLの構築、
// 認証レスポンスの検証（署名フィールド、return_to、nonce、直接検証）を含む。
package openid

import (
	"fmt"
	"net/url"
	"strings"
)

// xriGlobalContextSymbols はXRI（i-name）の先頭に現れるグローバルコンテキスト記号。
const xriGlobalContextSymbols = "=@+$!("

// IsXRI は識別子がXRI（i-name）形式かどうかを判定する。
func IsXRI(id string) bool {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(strings.ToLower(id), "xri://") {
		return true
	}
	return id != "" && strings.ContainsRune(xriGlobalContextSymbols, rune(id[0]))
}

// Normalize はユーザー入力の識別子をURL形式のOpenIDに正規化する。
// スキームが無ければhttp://を補い、フラグメントを除去し、空パスは "/" にする。
func Normalize(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty identifier")
	}
	if IsXRI(id) {
		return "", fmt.Errorf("XRI identifiers are not URLs: %s", id)
	}

	if !strings.Contains(id, "://") {
		id = "http://" + id
	}

	u, err := url.Parse(id)
	if err != nil {
		return "", fmt.Errorf("invalid identifier: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("empty host in identifier: %s", id)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}
