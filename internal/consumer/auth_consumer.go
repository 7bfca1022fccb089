package consumer

import (
	"context"
	"net/http"
	"strings"

	"github.com/hitoshi/openidauth/internal/metrics"
	"github.com/hitoshi/openidauth/internal/middleware"
	"github.com/hitoshi/openidauth/internal/model"
)

// needAuthenticatedUserMessage はログインが必要な画面に未ログインでアクセスした場合のメッセージ。
const needAuthenticatedUserMessage = "You need to sign in with an existing user account to access this page."

// SessionService はAuthConsumerが使うセッション操作。*auth.Service が実装する。
type SessionService interface {
	OpenIDSessionStore
	LogIn(ctx context.Context, sessionID, userID string) (*model.Session, error)
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
	LookupOpenID(ctx context.Context, openid string) ([]*model.User, error)
}

// AccountService はAuthConsumerが使うアカウント操作。*user.Service が実装する。
type AccountService interface {
	Associate(ctx context.Context, userID, openid string) (*model.UserOpenID, error)
	Unassociate(ctx context.Context, userID, associationID string) error
	ListOpenIDs(ctx context.Context, userID string) ([]*model.UserOpenID, error)
	Register(ctx context.Context, reg model.Registration) (*model.User, error)
}

// AuthConsumer はサインインしたOpenIDをユーザーアカウントに結び付けるエンドポイント。
// ユーザーのログイン状態をサーバー側セッションで持つため、サインイン状態もSessionStateで保持する。
type AuthConsumer struct {
	*Consumer

	sessions     SessionService
	accounts     AccountService
	sessionState *SessionState

	// showRegistration は紐付くアカウントがないOpenIDでサインインした場合の画面。
	showRegistration successHandler
}

// NewAuthConsumer はAuthConsumerを生成する。
func NewAuthConsumer(client OpenIDClient, sessions SessionService, accounts AccountService, config Config, collector metrics.MetricsCollector) *AuthConsumer {
	state := NewSessionState(sessions, config.Cookie)
	a := &AuthConsumer{
		Consumer:     NewConsumer(client, state, config, collector),
		sessions:     sessions,
		accounts:     accounts,
		sessionState: state,
	}
	a.onSuccess = a.recordAndLogIn
	a.showRegistration = a.noAccount

	a.handle("associate", a.associate)
	a.handle("unassociate", a.unassociate)
	a.handle("pick", a.pick)
	return a
}

// recordAndLogIn はOpenIDをセッションに記録してからonLoggedInの判定を行う。
func (a *AuthConsumer) recordAndLogIn(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID) {
	session, err := a.sessionState.Record(w, r, signed)
	if err != nil {
		a.showInternalError(w, r, err)
		return
	}
	a.onLoggedIn(w, r, session, signed)
}

// onLoggedIn はOpenIDに紐付くアカウントとログイン状態に応じて次の画面を決める。
func (a *AuthConsumer) onLoggedIn(w http.ResponseWriter, r *http.Request, session *model.Session, signed model.SignedInOpenID) {
	matches, err := a.sessions.LookupOpenID(r.Context(), signed.OpenID)
	if err != nil {
		a.showInternalError(w, r, err)
		return
	}

	if session.UserID != "" {
		for _, u := range matches {
			if u.ID == session.UserID {
				// 既にこのOpenIDのアカウントでログイン中
				a.RedirectAfterLogin(w, r)
				return
			}
		}
		a.showAssociate(w, r, session, signed.OpenID)
		return
	}

	switch len(matches) {
	case 0:
		a.showRegistration(w, r, signed)
	case 1:
		a.logInUser(w, r, session.ID, matches[0])
	default:
		a.showPickAccount(w, r, signed.OpenID, matches)
	}
}

// logInUser はユーザーとしてログインし、ログイン後のリダイレクト先へ戻す。
func (a *AuthConsumer) logInUser(w http.ResponseWriter, r *http.Request, sessionID string, user *model.User) {
	session, err := a.sessions.LogIn(r.Context(), sessionID, user.ID)
	if err != nil {
		a.showInternalError(w, r, err)
		return
	}
	middleware.SetSessionCookie(w, a.config.Cookie, session.ID)
	a.RedirectAfterLogin(w, r)
}

// noAccount は紐付くアカウントがないことを伝える。
func (a *AuthConsumer) noAccount(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID) {
	a.showError(w, r, model.NewOpenIDNotRegisteredError(signed.OpenID))
}

// currentSession はリクエストのセッションを返す。セッションがない場合はnilを返す。
func (a *AuthConsumer) currentSession(r *http.Request) (*model.Session, error) {
	return a.sessions.Current(r.Context(), middleware.SessionIDFromRequest(r))
}

// requireUser はログイン済みのセッションを返す。未ログインの場合はエラー画面を表示してfalseを返す。
func (a *AuthConsumer) requireUser(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	session, err := a.currentSession(r)
	if err != nil {
		a.showInternalError(w, r, err)
		return nil, false
	}
	if session == nil || session.UserID == "" {
		a.showError(w, r, model.NewNeedAuthenticatedUserError(needAuthenticatedUserMessage))
		return nil, false
	}
	return session, true
}

// associate はGETで紐付けの一覧と紐付けの提案を表示し、POSTでOpenIDを紐付ける。
// 紐付けるOpenIDはこのセッションでサインイン済みである必要がある。
func (a *AuthConsumer) associate(w http.ResponseWriter, r *http.Request) {
	session, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	if r.Method != http.MethodPost {
		a.showAssociate(w, r, session, r.URL.Query().Get("openid"))
		return
	}

	openid := strings.TrimSpace(r.PostFormValue("openid"))
	if !session.HasOpenID(openid) {
		a.showError(w, r, model.NewOpenIDNotSignedInError(openid))
		return
	}

	if _, err := a.accounts.Associate(r.Context(), session.UserID, openid); err != nil {
		a.handleError(w, r, err)
		return
	}

	http.Redirect(w, r, a.actionURL(r, "associate"), http.StatusFound)
}

// showAssociate は紐付け画面を表示する。specificが空でなければそのOpenIDの紐付けを提案する。
func (a *AuthConsumer) showAssociate(w http.ResponseWriter, r *http.Request, session *model.Session, specific string) {
	user, err := a.sessions.GetCurrentUser(r.Context(), session.ID)
	if err != nil {
		a.showInternalError(w, r, err)
		return
	}
	associations, err := a.accounts.ListOpenIDs(r.Context(), session.UserID)
	if err != nil {
		a.showInternalError(w, r, err)
		return
	}

	// 既に紐付け済みのOpenIDは提案しない
	for _, assoc := range associations {
		if assoc.OpenID == specific {
			specific = ""
			break
		}
	}
	if specific != "" && !session.HasOpenID(specific) {
		specific = ""
	}

	data := a.newPage(r)
	data.User = user
	data.OpenID = specific
	data.OpenIDs = session.OpenIDs
	data.Associations = associations
	a.render(w, http.StatusOK, "associate.html", data)
}

// unassociate はPOSTでユーザーのOpenIDの紐付けを解除する。
func (a *AuthConsumer) unassociate(w http.ResponseWriter, r *http.Request) {
	session, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		http.Redirect(w, r, a.actionURL(r, "associate"), http.StatusFound)
		return
	}

	associationID := strings.TrimSpace(r.PostFormValue("association_id"))
	if err := a.accounts.Unassociate(r.Context(), session.UserID, associationID); err != nil {
		a.handleError(w, r, err)
		return
	}

	http.Redirect(w, r, a.actionURL(r, "associate"), http.StatusFound)
}

// showPickAccount は複数のアカウントに紐付くOpenIDでサインインした場合の選択画面を表示する。
func (a *AuthConsumer) showPickAccount(w http.ResponseWriter, r *http.Request, openid string, users []*model.User) {
	data := a.newPage(r)
	data.OpenID = openid
	data.Users = users
	a.render(w, http.StatusOK, "pick.html", data)
}

// pick はPOSTで選ばれたアカウントとしてログインする。
// OpenIDはこのセッションでサインイン済みで、選ばれたアカウントに紐付いている必要がある。
func (a *AuthConsumer) pick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Redirect(w, r, a.actionURL(r, "login"), http.StatusFound)
		return
	}

	session, err := a.currentSession(r)
	if err != nil {
		a.showInternalError(w, r, err)
		return
	}

	openid := strings.TrimSpace(r.PostFormValue("openid"))
	if !session.HasOpenID(openid) {
		a.showError(w, r, model.NewOpenIDNotSignedInError(openid))
		return
	}

	matches, err := a.sessions.LookupOpenID(r.Context(), openid)
	if err != nil {
		a.showInternalError(w, r, err)
		return
	}

	userID := r.PostFormValue("user_id")
	for _, u := range matches {
		if u.ID == userID {
			a.logInUser(w, r, session.ID, u)
			return
		}
	}
	a.showError(w, r, model.NewUserNotFoundError())
}

