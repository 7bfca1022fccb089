package consumer

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/openidauth/internal/middleware"
	"github.com/hitoshi/openidauth/internal/model"
)

// StateStore はブラウザがサインイン済みのOpenIDを保持する方式を表す。
type StateStore interface {
	// Load はサインイン済みのOpenIDを古い順に返す。
	Load(w http.ResponseWriter, r *http.Request) ([]model.SignedInOpenID, error)
	// Save は検証済みのOpenIDを記録する。
	Save(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID) error
	// Clear は指定のOpenIDをサインアウトする。openidが空の場合は全てをサインアウトする。
	Clear(w http.ResponseWriter, r *http.Request, openid string) error
}

// OpenIDSessionStore はSessionStateが使うセッション操作。
type OpenIDSessionStore interface {
	Current(ctx context.Context, sessionID string) (*model.Session, error)
	RecordOpenID(ctx context.Context, sessionID string, signed model.SignedInOpenID) (*model.Session, error)
	ForgetOpenID(ctx context.Context, sessionID, openid string) error
	ClearOpenIDs(ctx context.Context, sessionID string) error
}

// SessionState はサーバー側セッションに複数のOpenIDを保持する。
// 同じOpenIDは重複させず、末尾が最新になる。
type SessionState struct {
	sessions OpenIDSessionStore
	cookie   middleware.CookieConfig
}

// NewSessionState はSessionStateを生成する。
func NewSessionState(sessions OpenIDSessionStore, cookie middleware.CookieConfig) *SessionState {
	return &SessionState{sessions: sessions, cookie: cookie}
}

// Load はセッションに記録されたOpenIDを返す。
func (s *SessionState) Load(_ http.ResponseWriter, r *http.Request) ([]model.SignedInOpenID, error) {
	session, err := s.sessions.Current(r.Context(), middleware.SessionIDFromRequest(r))
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	return session.OpenIDs, nil
}

// Save はOpenIDをセッションに記録する。
func (s *SessionState) Save(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID) error {
	_, err := s.Record(w, r, signed)
	return err
}

// Record はOpenIDをセッションに記録し、記録先のセッションを返す。
// セッションが新規作成された場合はセッションCookieを発行する。
func (s *SessionState) Record(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID) (*model.Session, error) {
	sessionID := middleware.SessionIDFromRequest(r)
	session, err := s.sessions.RecordOpenID(r.Context(), sessionID, signed)
	if err != nil {
		return nil, err
	}
	if session.ID != sessionID {
		middleware.SetSessionCookie(w, s.cookie, session.ID)
	}
	return session, nil
}

// Clear はセッションからOpenIDをサインアウトする。
func (s *SessionState) Clear(_ http.ResponseWriter, r *http.Request, openid string) error {
	sessionID := middleware.SessionIDFromRequest(r)
	if sessionID == "" {
		return nil
	}
	if openid == "" {
		return s.sessions.ClearOpenIDs(r.Context(), sessionID)
	}
	return s.sessions.ForgetOpenID(r.Context(), sessionID, openid)
}

// DefaultStateCookieName はCookieStateが使うCookieの既定の名前。
const DefaultStateCookieName = "openid"

// maxStateCookieSize は展開後のCookie値の上限。
const maxStateCookieSize = 64 * 1024

// ErrInvalidStateCookie は署名または形式が不正なCookieを表す。
var ErrInvalidStateCookie = errors.New("invalid openid state cookie")

// CookieState は最後にサインインしたOpenIDを署名付きCookieに保持する。
// Cookieの値は base64(zlib(json)):hex(hmac-sha256) の形式。
type CookieState struct {
	secret []byte
	name   string
	cookie middleware.CookieConfig
}

// NewCookieState はCookieStateを生成する。secretは署名鍵。
func NewCookieState(secret []byte, cookie middleware.CookieConfig) *CookieState {
	return &CookieState{secret: secret, name: DefaultStateCookieName, cookie: cookie}
}

// Load はCookieからOpenIDを復元する。
// 署名が不正なCookieは無視して削除する。
func (s *CookieState) Load(w http.ResponseWriter, r *http.Request) ([]model.SignedInOpenID, error) {
	c, err := r.Cookie(s.name)
	if err != nil || c.Value == "" {
		return nil, nil
	}

	signed, err := s.decode(c.Value)
	if err != nil {
		slog.Warn("discarding openid state cookie", slog.String("error", err.Error()))
		s.delete(w)
		return nil, nil
	}
	return []model.SignedInOpenID{*signed}, nil
}

// Save はOpenIDをCookieに書き込む。既存のOpenIDは置き換える。
func (s *CookieState) Save(w http.ResponseWriter, _ *http.Request, signed model.SignedInOpenID) error {
	value, err := s.encode(&signed)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    value,
		Path:     "/",
		Domain:   s.cookie.Domain,
		MaxAge:   s.cookie.MaxAge,
		HttpOnly: true,
		Secure:   s.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear はCookieを削除する。
func (s *CookieState) Clear(w http.ResponseWriter, r *http.Request, openid string) error {
	if openid != "" {
		current, _ := s.Load(w, r)
		if len(current) == 0 || current[0].OpenID != openid {
			return nil
		}
	}
	s.delete(w)
	return nil
}

func (s *CookieState) delete(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    "",
		Path:     "/",
		Domain:   s.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *CookieState) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *CookieState) encode(signed *model.SignedInOpenID) (string, error) {
	raw, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal openid state: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("failed to compress openid state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress openid state: %w", err)
	}

	payload := base64.URLEncoding.EncodeToString(buf.Bytes())
	return payload + ":" + s.sign(payload), nil
}

func (s *CookieState) decode(value string) (*model.SignedInOpenID, error) {
	if strings.Count(value, ":") != 1 {
		return nil, fmt.Errorf("%w: should be one and only one colon", ErrInvalidStateCookie)
	}
	payload, sig, _ := strings.Cut(value, ":")
	if !hmac.Equal([]byte(sig), []byte(s.sign(payload))) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidStateCookie)
	}

	compressed, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateCookie, err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateCookie, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, maxStateCookieSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateCookie, err)
	}

	var signed model.SignedInOpenID
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateCookie, err)
	}
	if signed.OpenID == "" {
		return nil, fmt.Errorf("%w: empty openid", ErrInvalidStateCookie)
	}
	return &signed, nil
}

type openIDsContextKey struct{}

// OpenIDMiddleware はサインイン済みのOpenIDをリクエストコンテキストに格納するミドルウェアを返す。
// 読み出しに失敗した場合はサインインしていないものとして扱う。
func OpenIDMiddleware(state StateStore) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			openids, err := state.Load(w, r)
			if err != nil {
				slog.Warn("failed to load signed-in openids", slog.String("error", err.Error()))
				openids = nil
			}
			ctx := context.WithValue(r.Context(), openIDsContextKey{}, openids)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OpenIDsFromContext はOpenIDMiddlewareが格納したOpenIDを返す。
func OpenIDsFromContext(ctx context.Context) []model.SignedInOpenID {
	openids, _ := ctx.Value(openIDsContextKey{}).([]model.SignedInOpenID)
	return openids
}
