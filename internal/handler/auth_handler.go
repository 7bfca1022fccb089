// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/openidauth/internal/middleware"
	"github.com/hitoshi/openidauth/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// AuthHandler はログイン状態に関するJSON APIのハンドラー。
// OpenIDによるサインインそのものはconsumerパッケージが扱う。
type AuthHandler struct {
	service AuthServiceInterface
	cookie  middleware.CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookie middleware.CookieConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookie:  cookie,
	}
}

// signedInOpenIDResponse はこのセッションでサインインしたOpenIDのレスポンス。
type signedInOpenIDResponse struct {
	OpenID     string    `json:"openid"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// meResponse はログイン中のユーザー情報のレスポンス。
type meResponse struct {
	ID       string                   `json:"id"`
	Username string                   `json:"username"`
	Email    string                   `json:"email"`
	Name     string                   `json:"name"`
	OpenIDs  []signedInOpenIDResponse `json:"openids"`
}

// Me は現在のログインユーザー情報と、このセッションでサインインしたOpenIDを返す。
// GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if session == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), session.ID)
	if err != nil {
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	openids := make([]signedInOpenIDResponse, len(session.OpenIDs))
	for i, o := range session.OpenIDs {
		openids[i] = signedInOpenIDResponse{OpenID: o.OpenID, SignedInAt: o.SignedInAt}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Name:     user.Name,
		OpenIDs:  openids,
	})
}

// Logout はセッションを破棄する。
// POST /api/logout
// 画面からのログアウトはconsumerのlogoutアクションを使う。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromRequest(r); sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	middleware.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}
