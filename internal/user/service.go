// Package user はユーザーアカウントとOpenID紐付けのドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/openidauth/internal/metrics"
	"github.com/hitoshi/openidauth/internal/model"
	"github.com/hitoshi/openidauth/internal/repository"
	"github.com/hitoshi/openidauth/internal/security"
)

// usernamePattern は登録可能なユーザー名の形式。
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,30}$`)

// ValidUsername はユーザー名が登録可能な形式かを返す。
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Service はユーザー管理のサービス層。
// OpenIDの紐付け・解除、新規登録、退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	openidRepo  repository.OpenIDRepository
	sessionRepo repository.SessionRepository
	metrics     metrics.MetricsCollector
	sanitizer   security.ProfileSanitizerService
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewService(
	userRepo repository.UserRepository,
	openidRepo repository.OpenIDRepository,
	sessionRepo repository.SessionRepository,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		userRepo:    userRepo,
		openidRepo:  openidRepo,
		sessionRepo: sessionRepo,
		metrics:     collector,
		sanitizer:   security.NewProfileSanitizer(),
		now:         time.Now,
	}
}

// Associate はユーザーにOpenIDを紐付ける。
// 既に同じユーザーに紐付いている場合は既存の紐付けを返す。
// 他のユーザーに紐付いている場合はOPENID_ALREADY_ASSOCIATEDエラーを返す。
func (s *Service) Associate(ctx context.Context, userID, openid string) (*model.UserOpenID, error) {
	owners, err := s.openidRepo.ListUsersByOpenID(ctx, openid)
	if err != nil {
		return nil, fmt.Errorf("OpenIDの検索に失敗しました: %w", err)
	}
	for _, owner := range owners {
		if owner.ID != userID {
			return nil, model.NewOpenIDAlreadyAssociatedError(openid)
		}
	}
	if len(owners) > 0 {
		existing, err := s.openidRepo.ListByUserID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("OpenID一覧の取得に失敗しました: %w", err)
		}
		for _, uo := range existing {
			if uo.OpenID == openid {
				return uo, nil
			}
		}
	}

	uo := &model.UserOpenID{
		ID:        uuid.New().String(),
		UserID:    userID,
		OpenID:    openid,
		CreatedAt: s.now(),
	}
	if err := s.openidRepo.Create(ctx, uo); err != nil {
		// 検索と作成の間に他のユーザーが紐付けた場合
		if errors.Is(err, repository.ErrDuplicateOpenID) {
			return nil, model.NewOpenIDAlreadyAssociatedError(openid)
		}
		return nil, fmt.Errorf("OpenIDの紐付けに失敗しました: %w", err)
	}

	s.metrics.RecordAssociationCreated()
	slog.Info("OpenIDを紐付けました",
		slog.String("user_id", userID),
		slog.String("openid", openid),
	)
	return uo, nil
}

// Unassociate はユーザーからOpenIDの紐付けを解除する。
// 他のユーザーの紐付けは存在しないものとして扱う。
// ログイン手段がなくなるため、最後の1つは解除できない。
func (s *Service) Unassociate(ctx context.Context, userID, associationID string) error {
	uo, err := s.openidRepo.FindByID(ctx, associationID)
	if err != nil {
		return fmt.Errorf("紐付けの取得に失敗しました: %w", err)
	}
	if uo == nil || uo.UserID != userID {
		return model.NewAssociationNotFoundError(associationID)
	}

	if err := s.openidRepo.DeleteUnlessLast(ctx, userID, associationID); err != nil {
		switch {
		case errors.Is(err, repository.ErrLastOpenID):
			return model.NewLastOpenIDError()
		case errors.Is(err, repository.ErrAssociationNotFound):
			return model.NewAssociationNotFoundError(associationID)
		}
		return fmt.Errorf("紐付けの解除に失敗しました: %w", err)
	}

	s.metrics.RecordAssociationRemoved()
	slog.Info("OpenIDの紐付けを解除しました",
		slog.String("user_id", userID),
		slog.String("openid", uo.OpenID),
	)
	return nil
}

// ListOpenIDs はユーザーに紐付いたOpenIDの一覧を返す。
func (s *Service) ListOpenIDs(ctx context.Context, userID string) ([]*model.UserOpenID, error) {
	list, err := s.openidRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("OpenID一覧の取得に失敗しました: %w", err)
	}
	return list, nil
}

// ValidEmail はメールアドレスが "local@domain" だけの形式かを返す。表示名付きの形式は受け付けない。
func ValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Name == "" && addr.Address == email
}

// Register は新規ユーザーを作成し、検証済みのOpenIDを紐付ける。
// メールアドレスと名前はマークアップを除去してから保存する。メールアドレスは空でもよい。
// ユーザーと紐付けは同一トランザクションで作成する。
func (s *Service) Register(ctx context.Context, reg model.Registration) (*model.User, error) {
	if !ValidUsername(reg.Username) {
		return nil, model.NewInvalidUsernameError(reg.Username)
	}
	reg.Email = s.sanitizer.SanitizeValue(reg.Email)
	reg.Name = s.sanitizer.SanitizeValue(reg.Name)
	if reg.Email != "" && !ValidEmail(reg.Email) {
		return nil, model.NewInvalidEmailError(reg.Email)
	}

	existing, err := s.userRepo.FindByUsername(ctx, reg.Username)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewUsernameTakenError(reg.Username)
	}

	owners, err := s.openidRepo.ListUsersByOpenID(ctx, reg.OpenID)
	if err != nil {
		return nil, fmt.Errorf("OpenIDの検索に失敗しました: %w", err)
	}
	if len(owners) > 0 {
		return nil, model.NewOpenIDAlreadyAssociatedError(reg.OpenID)
	}

	now := s.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Username:  reg.Username,
		Email:     reg.Email,
		Name:      reg.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	uo := &model.UserOpenID{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		OpenID:    reg.OpenID,
		CreatedAt: now,
	}

	if err := s.userRepo.CreateWithOpenID(ctx, user, uo); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, model.NewUsernameTakenError(reg.Username)
		case errors.Is(err, repository.ErrDuplicateOpenID):
			return nil, model.NewOpenIDAlreadyAssociatedError(reg.OpenID)
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	s.metrics.RecordRegistration()
	s.metrics.RecordAssociationCreated()
	slog.Info("新規ユーザーを登録しました",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("openid", reg.OpenID),
	)
	return user, nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user（+ CASCADE: user_openids）
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. セッションを削除
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 2. ユーザーを削除（user_openidsはCASCADE削除）
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
