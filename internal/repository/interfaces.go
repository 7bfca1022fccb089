// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/openidauth/internal/model"
)

var (
	// ErrDuplicateUsername はユーザー名が既に使われていることを示す。
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrDuplicateOpenID はOpenIDが既にいずれかのユーザーに紐付いていることを示す。
	ErrDuplicateOpenID = errors.New("openid already associated")
	// ErrLastOpenID はユーザーに紐付いた最後のOpenIDを削除しようとしたことを示す。
	ErrLastOpenID = errors.New("cannot delete the last openid of a user")
	// ErrAssociationNotFound は指定の紐付けがそのユーザーに存在しないことを示す。
	ErrAssociationNotFound = errors.New("association not found")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// CreateWithOpenID はユーザーとOpenIDの紐付けを同一トランザクションで作成する。
	// 一意制約違反はErrDuplicateUsernameまたはErrDuplicateOpenIDを返す。
	CreateWithOpenID(ctx context.Context, user *model.User, openid *model.UserOpenID) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するuser_openids、sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// OpenIDRepository はユーザーとOpenIDの紐付けの永続化インターフェース。
type OpenIDRepository interface {
	// FindByID は指定IDの紐付けを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UserOpenID, error)

	// ListUsersByOpenID はOpenIDに紐付いたユーザーを返す。
	ListUsersByOpenID(ctx context.Context, openid string) ([]*model.User, error)

	// ListByUserID はユーザーに紐付いたOpenIDを作成日時順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.UserOpenID, error)

	// CountByUserID はユーザーに紐付いたOpenIDの数を返す。
	CountByUserID(ctx context.Context, userID string) (int, error)

	// Create は紐付けを作成する。OpenIDが既に紐付いている場合はErrDuplicateOpenIDを返す。
	Create(ctx context.Context, openid *model.UserOpenID) error

	// DeleteUnlessLast はユーザーの紐付けを1つ削除する。
	// 削除するとユーザーの紐付けが無くなる場合はErrLastOpenID、
	// 紐付けがそのユーザーのものでなければErrAssociationNotFoundを返し、何も削除しない。
	// 同じユーザーに対する並行した呼び出しでも、紐付けが0件になることはない。
	DeleteUnlessLast(ctx context.Context, userID, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateOpenIDs はセッションにサインイン済みのOpenID一覧を保存する。
	UpdateOpenIDs(ctx context.Context, id string, openids []model.SignedInOpenID) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired はbeforeより前に期限切れになったセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// NonceRepository はレスポンスnonceの永続化インターフェース。
type NonceRepository interface {
	// Accept はnonceを記録する。既に記録済みの場合はopenid.ErrNonceReusedを返す。
	Accept(ctx context.Context, serverURL, nonce string, issuedAt time.Time) error
	// DeleteIssuedBefore はbeforeより前に発行されたnonceを削除し、削除件数を返す。
	DeleteIssuedBefore(ctx context.Context, before time.Time) (int64, error)
}
