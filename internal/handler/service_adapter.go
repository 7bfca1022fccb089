package handler

import (
	"context"

	"github.com/hitoshi/openidauth/internal/model"
	"github.com/hitoshi/openidauth/internal/user"
)

// UserServiceAdapter は user.Service を UserServiceInterface に適合させるアダプタ。
type UserServiceAdapter struct {
	svc *user.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(svc *user.Service) *UserServiceAdapter {
	return &UserServiceAdapter{svc: svc}
}

// ListOpenIDs はユーザーに紐付いたOpenIDの一覧をhandlerレスポンス型で返す。
func (a *UserServiceAdapter) ListOpenIDs(ctx context.Context, userID string) ([]openIDResponse, error) {
	list, err := a.svc.ListOpenIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toOpenIDResponses(list), nil
}

// Unassociate はOpenIDの紐付けを解除する。
func (a *UserServiceAdapter) Unassociate(ctx context.Context, userID, associationID string) error {
	return a.svc.Unassociate(ctx, userID, associationID)
}

// Withdraw はユーザーの退会処理を実行する。
func (a *UserServiceAdapter) Withdraw(ctx context.Context, userID string) error {
	return a.svc.Withdraw(ctx, userID)
}

// toOpenIDResponses はドメインのUserOpenIDをhandlerのレスポンス型に変換する。
func toOpenIDResponses(list []*model.UserOpenID) []openIDResponse {
	results := make([]openIDResponse, len(list))
	for i, uo := range list {
		results[i] = openIDResponse{
			ID:        uo.ID,
			OpenID:    uo.OpenID,
			CreatedAt: uo.CreatedAt,
		}
	}
	return results
}
