package consumer

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/openidauth/internal/metrics"
	"github.com/hitoshi/openidauth/internal/middleware"
	"github.com/hitoshi/openidauth/internal/model"
)

// RegistrationConsumer はAuthConsumerに新規アカウント登録を加えたエンドポイント。
// 紐付くアカウントがないOpenIDでサインインすると登録フォームを表示する。
type RegistrationConsumer struct {
	*AuthConsumer
}

// NewRegistrationConsumer はRegistrationConsumerを生成する。
func NewRegistrationConsumer(client OpenIDClient, sessions SessionService, accounts AccountService, config Config, collector metrics.MetricsCollector) *RegistrationConsumer {
	rc := &RegistrationConsumer{
		AuthConsumer: NewAuthConsumer(client, sessions, accounts, config, collector),
	}
	rc.showRegistration = rc.showRegisterForm
	rc.handle("register", rc.register)
	return rc
}

// showRegisterForm はsregの値（nickname, email, fullname）で埋めた登録フォームを表示する。
func (rc *RegistrationConsumer) showRegisterForm(w http.ResponseWriter, r *http.Request, signed model.SignedInOpenID) {
	rc.renderRegisterForm(w, r, http.StatusOK, registrationForm{
		Username: signed.SReg["nickname"],
		Email:    signed.SReg["email"],
		Name:     signed.SReg["fullname"],
		OpenID:   signed.OpenID,
	}, "")
}

func (rc *RegistrationConsumer) renderRegisterForm(w http.ResponseWriter, r *http.Request, status int, form registrationForm, message string) {
	data := rc.newPage(r)
	data.Action = rc.actionURL(r, "register")
	data.Form = form
	data.Message = message
	rc.render(w, status, "register.html", data)
}

// register はGETで登録フォームを表示し、POSTでアカウントを作成してログインする。
func (rc *RegistrationConsumer) register(w http.ResponseWriter, r *http.Request) {
	session, err := rc.currentSession(r)
	if err != nil {
		rc.showInternalError(w, r, err)
		return
	}
	if session != nil && session.UserID != "" {
		// ログイン済みのユーザーは紐付け画面へ
		http.Redirect(w, r, rc.actionURL(r, "associate"), http.StatusFound)
		return
	}

	if r.Method != http.MethodPost {
		signed := registeringOpenID(session, r.URL.Query().Get("openid"))
		if signed == nil {
			http.Redirect(w, r, rc.actionURL(r, "login"), http.StatusFound)
			return
		}
		rc.showRegisterForm(w, r, *signed)
		return
	}

	form := registrationForm{
		Username: strings.TrimSpace(r.PostFormValue("username")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Name:     strings.TrimSpace(r.PostFormValue("name")),
		OpenID:   strings.TrimSpace(r.PostFormValue("openid")),
	}
	if !session.HasOpenID(form.OpenID) {
		rc.showError(w, r, model.NewOpenIDNotSignedInError(form.OpenID))
		return
	}

	user, err := rc.accounts.Register(r.Context(), model.Registration{
		Username: form.Username,
		Email:    form.Email,
		Name:     form.Name,
		OpenID:   form.OpenID,
	})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && isFormError(apiErr) {
			rc.renderRegisterForm(w, r, middleware.StatusForAPIError(apiErr), form, apiErr.Message)
			return
		}
		rc.handleError(w, r, err)
		return
	}

	rc.logInUser(w, r, session.ID, user)
}

// registeringOpenID は登録に使うOpenIDを返す。指定がなければ最後にサインインしたもの。
func registeringOpenID(session *model.Session, openid string) *model.SignedInOpenID {
	if session == nil || len(session.OpenIDs) == 0 {
		return nil
	}
	if openid != "" {
		return session.FindOpenID(openid)
	}
	return &session.OpenIDs[len(session.OpenIDs)-1]
}

// isFormError は入力を直せば解決するエラーかを返す。
func isFormError(apiErr *model.APIError) bool {
	switch apiErr.Code {
	case model.ErrCodeInvalidUsername, model.ErrCodeInvalidEmail, model.ErrCodeUsernameTaken:
		return true
	default:
		return false
	}
}
