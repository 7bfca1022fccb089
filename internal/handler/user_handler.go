package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/openidauth/internal/middleware"
)

// openIDResponse はユーザーに紐付いたOpenIDのレスポンス。
type openIDResponse struct {
	ID        string    `json:"id"`
	OpenID    string    `json:"openid"`
	CreatedAt time.Time `json:"created_at"`
}

// openIDListResponse はOpenID一覧のレスポンス。
type openIDListResponse struct {
	OpenIDs []openIDResponse `json:"openids"`
}

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// ListOpenIDs はユーザーに紐付いたOpenIDの一覧を返す。
	ListOpenIDs(ctx context.Context, userID string) ([]openIDResponse, error)
	// Unassociate はOpenIDの紐付けを解除する。最後の1つは解除できない。
	Unassociate(ctx context.Context, userID, associationID string) error
	// Withdraw はユーザーの退会処理を実行する。
	// sessions、user（+ user_openids）を削除する。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// ListOpenIDs はログインユーザーに紐付いたOpenIDの一覧を返す。
// GET /api/openids
func (h *UserHandler) ListOpenIDs(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	openids, err := h.service.ListOpenIDs(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if openids == nil {
		openids = []openIDResponse{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openIDListResponse{OpenIDs: openids})
}

// Unassociate はOpenIDの紐付けを解除する。
// DELETE /api/openids/{id}
func (h *UserHandler) Unassociate(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	associationID := chi.URLParam(r, "id")
	if err := h.service.Unassociate(r.Context(), userID, associationID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
