// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID        string
	Username  string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserOpenID はユーザーアカウントと外部OpenID識別子の紐付け（アソシエーション）を表す。
// 1ユーザーに対して0個以上のOpenIDが紐付き、OpenIDはシステム全体で一意。
type UserOpenID struct {
	ID        string
	UserID    string
	OpenID    string
	CreatedAt time.Time
}

// SignedInOpenID はこのブラウザセッションで所有が検証されたOpenIDを表す。
// SRegにはプロバイダーから署名付きで返されたSimple Registrationの値が入る。
type SignedInOpenID struct {
	OpenID     string            `json:"openid"`
	SReg       map[string]string `json:"sreg,omitempty"`
	SignedInAt time.Time         `json:"signed_in_at"`
}

// Session はログインセッションを表す。
// UserIDが空の場合はOpenIDのみ検証済みの匿名セッション。
type Session struct {
	ID        string
	UserID    string
	OpenIDs   []SignedInOpenID
	ExpiresAt time.Time
	CreatedAt time.Time
}

// HasOpenID は指定したOpenIDがセッション内で検証済みかを返す。
func (s *Session) HasOpenID(openid string) bool {
	if s == nil {
		return false
	}
	for _, o := range s.OpenIDs {
		if o.OpenID == openid {
			return true
		}
	}
	return false
}

// FindOpenID はセッション内の検証済みOpenIDを返す。見つからない場合はnilを返す。
func (s *Session) FindOpenID(openid string) *SignedInOpenID {
	if s == nil {
		return nil
	}
	for i := range s.OpenIDs {
		if s.OpenIDs[i].OpenID == openid {
			return &s.OpenIDs[i]
		}
	}
	return nil
}

// Registration は新規アカウント登録の入力を表す。
type Registration struct {
	Username string
	Email    string
	Name     string
	OpenID   string
}
