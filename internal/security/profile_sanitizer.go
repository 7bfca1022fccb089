package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxProfileValueLength はsreg値1件あたりの最大文字数。
const maxProfileValueLength = 255

// ProfileSanitizerService はプロバイダーから受け取ったプロフィール値（sreg）を
// 画面表示・保存に使える平文に整えるインターフェース。
type ProfileSanitizerService interface {
	// SanitizeValue はマークアップを除去し、前後の空白を落とし、長さを制限した値を返す。
	SanitizeValue(raw string) string
	// SanitizeSReg はsregのキーと値をまとめてサニタイズする。空になった値は捨てる。
	SanitizeSReg(sreg map[string]string) map[string]string
}

// profileSanitizer はProfileSanitizerServiceの実装。
// bluemondayのStrictPolicyで全タグを除去する。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerServiceの新しいインスタンスを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeValue はマークアップを除去した平文を返す。
// StrictPolicyはエスケープ済みの文字列を返すため、テンプレート側で二重エスケープされないよう元に戻す。
func (s *profileSanitizer) SanitizeValue(raw string) string {
	v := html.UnescapeString(s.policy.Sanitize(raw))
	v = strings.TrimSpace(v)
	if utf8.RuneCountInString(v) > maxProfileValueLength {
		v = string([]rune(v)[:maxProfileValueLength])
	}
	return v
}

// SanitizeSReg はsregの全値をサニタイズした新しいマップを返す。
func (s *profileSanitizer) SanitizeSReg(sreg map[string]string) map[string]string {
	if len(sreg) == 0 {
		return nil
	}
	result := make(map[string]string, len(sreg))
	for k, v := range sreg {
		if clean := s.SanitizeValue(v); clean != "" {
			result[k] = clean
		}
	}
	return result
}
