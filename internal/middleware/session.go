// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/openidauth/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

type contextKey string

var (
	userIDContextKey  = contextKey("user_id")
	sessionContextKey = contextKey("session")
)

var errNoUserID = errors.New("user ID not found in context")

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge int // 有効期間（秒）
}

func (c CookieConfig) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSessionCookie はセッションIDをHTTP Only Cookieに設定する。
func SetSessionCookie(w http.ResponseWriter, config CookieConfig, sessionID string) {
	http.SetCookie(w, config.cookie(sessionID, config.MaxAge))
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, config.cookie("", -1))
}

// SessionIDFromRequest はCookieからセッションIDを取得する。未設定の場合は空文字を返す。
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// lookupSession はCookieのセッションを引く。無い・期限切れ・取得失敗はいずれもnil。
func lookupSession(finder SessionFinder, r *http.Request) *model.Session {
	sessionID := SessionIDFromRequest(r)
	if sessionID == "" {
		return nil
	}
	session, err := finder.FindByID(r.Context(), sessionID)
	if err != nil {
		slog.Error("failed to find session", slog.String("error", err.Error()))
		return nil
	}
	return session
}

// NewSessionMiddleware はログイン済みのセッションを必須とするミドルウェアを返す。
// ユーザーIDとセッションをコンテキストに注入する。
// OpenIDだけを検証した匿名セッションは未ログインとして401を返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := lookupSession(sessionFinder, r)
			if session == nil || session.UserID == "" {
				writeUnauthorized(w)
				return
			}

			annotateUserID(r.Context(), session.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// NewOptionalSessionMiddleware はセッションがあればコンテキストに注入する。
// ログイン前のOpenIDフローで使う。
func NewOptionalSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := lookupSession(sessionFinder, r)
			if session == nil {
				next.ServeHTTP(w, r)
				return
			}

			if session.UserID != "" {
				annotateUserID(r.Context(), session.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	apiErr := model.NewNeedAuthenticatedUserError("Sign in required")
	WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
}

// UserIDFromContext はログイン済みユーザーのIDを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", errNoUserID
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// SessionFromContext はリクエストのセッションを返す。無ければnil。
func SessionFromContext(ctx context.Context) *model.Session {
	session, _ := ctx.Value(sessionContextKey).(*model.Session)
	return session
}

// ContextWithSession はコンテキストにセッションを注入する。ログイン済みの場合はユーザーIDも注入する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, sessionContextKey, session)
	if session != nil && session.UserID != "" {
		ctx = ContextWithUserID(ctx, session.UserID)
	}
	return ctx
}
