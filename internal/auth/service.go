// Package auth はOpenIDでサインインしたブラウザのセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/openidauth/internal/model"
	"github.com/hitoshi/openidauth/internal/repository"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service はセッションとログインに関するビジネスロジックを提供する。
// セッションはユーザー未確定のままOpenIDだけを保持することができ、
// LogInでユーザーに紐付いた新しいセッションに切り替わる。
type Service struct {
	userRepo    repository.UserRepository
	openidRepo  repository.OpenIDRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	openidRepo repository.OpenIDRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:    userRepo,
		openidRepo:  openidRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// Current は有効なセッションを返す。セッションIDが空、または期限切れの場合はnilを返す。
func (s *Service) Current(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// RecordOpenID は検証済みのOpenIDをセッションに記録する。
// セッションが存在しない場合は匿名セッションを新規作成する。
// 同じOpenIDが既にあれば取り除いてから末尾に追加するため、末尾が最新になる。
func (s *Service) RecordOpenID(ctx context.Context, sessionID string, signed model.SignedInOpenID) (*model.Session, error) {
	if signed.SignedInAt.IsZero() {
		signed.SignedInAt = s.now()
	}

	session, err := s.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session == nil {
		session, err = s.createSession(ctx, "", []model.SignedInOpenID{signed})
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		slog.Info("openid signed in",
			slog.String("openid", signed.OpenID),
			slog.Bool("new_session", true),
		)
		return session, nil
	}

	session.OpenIDs = append(withoutOpenID(session.OpenIDs, signed.OpenID), signed)
	if err := s.sessionRepo.UpdateOpenIDs(ctx, session.ID, session.OpenIDs); err != nil {
		return nil, fmt.Errorf("failed to update session openids: %w", err)
	}

	slog.Info("openid signed in",
		slog.String("openid", signed.OpenID),
		slog.String("user_id", session.UserID),
	)
	return session, nil
}

// ForgetOpenID はセッションから指定のOpenIDだけをサインアウトする。
func (s *Service) ForgetOpenID(ctx context.Context, sessionID, openid string) error {
	session, err := s.Current(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil || !session.HasOpenID(openid) {
		return nil
	}

	if err := s.sessionRepo.UpdateOpenIDs(ctx, session.ID, withoutOpenID(session.OpenIDs, openid)); err != nil {
		return fmt.Errorf("failed to update session openids: %w", err)
	}

	slog.Info("openid signed out", slog.String("openid", openid))
	return nil
}

// ClearOpenIDs はセッション内の全てのOpenIDをサインアウトする。ユーザーのログイン状態は維持する。
func (s *Service) ClearOpenIDs(ctx context.Context, sessionID string) error {
	session, err := s.Current(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil || len(session.OpenIDs) == 0 {
		return nil
	}

	if err := s.sessionRepo.UpdateOpenIDs(ctx, session.ID, nil); err != nil {
		return fmt.Errorf("failed to clear session openids: %w", err)
	}

	slog.Info("all openids signed out", slog.Int("count", len(session.OpenIDs)))
	return nil
}

// LogIn はユーザーとしてログインした新しいセッションを発行する。
// 旧セッションのOpenIDは引き継ぎ、旧セッションは破棄する（セッション固定攻撃対策）。
func (s *Service) LogIn(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	old, err := s.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var openids []model.SignedInOpenID
	if old != nil {
		openids = old.OpenIDs
	}

	session, err := s.createSession(ctx, userID, openids)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if old != nil {
		if err := s.sessionRepo.DeleteByID(ctx, old.ID); err != nil {
			slog.Warn("failed to delete previous session",
				slog.String("error", err.Error()),
			)
		}
	}

	slog.Info("user logged in", slog.String("user_id", userID))
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("session logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}
	if session.UserID == "" {
		return nil, fmt.Errorf("session is not logged in")
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	return user, nil
}

// LookupOpenID はOpenIDに紐付いたユーザーを返す。
func (s *Service) LookupOpenID(ctx context.Context, openid string) ([]*model.User, error) {
	users, err := s.openidRepo.ListUsersByOpenID(ctx, openid)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup openid: %w", err)
	}
	return users, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string, openids []model.SignedInOpenID) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		OpenIDs:   openids,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// withoutOpenID は指定のOpenIDを除いたスライスを新たに返す。
func withoutOpenID(openids []model.SignedInOpenID, openid string) []model.SignedInOpenID {
	result := make([]model.SignedInOpenID, 0, len(openids))
	for _, o := range openids {
		if o.OpenID != openid {
			result = append(result, o)
		}
	}
	return result
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
