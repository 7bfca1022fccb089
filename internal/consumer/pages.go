package consumer

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/openidauth/internal/middleware"
	"github.com/hitoshi/openidauth/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/openid-logo.gif
var openIDLogo []byte

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// registrationForm は登録フォームの入力値。
type registrationForm struct {
	Username string
	Email    string
	Name     string
	OpenID   string
}

// pageData はテンプレートに渡す値。
type pageData struct {
	Message   string
	Hint      string
	Action    string
	Logo      string
	CSRFToken string
	CSRFField string
	Next      string

	OpenID       string
	OpenIDs      []model.SignedInOpenID
	User         *model.User
	Users        []*model.User
	Associations []*model.UserOpenID
	Form         registrationForm

	LoginURL       string
	LogoutURL      string
	AssociateURL   string
	UnassociateURL string
	PickURL        string
}

// newPage は全画面に共通の値を埋めたpageDataを返す。
func (c *Consumer) newPage(r *http.Request) *pageData {
	logo := c.config.LogoPath
	if logo == "" {
		logo = c.actionURL(r, "logo")
	}
	return &pageData{
		Logo:           logo,
		CSRFToken:      middleware.CSRFTokenFromContext(r.Context()),
		CSRFField:      middleware.CSRFFormField,
		Next:           c.safeNext(r.FormValue("next")),
		LoginURL:       c.actionURL(r, "login"),
		LogoutURL:      c.actionURL(r, "logout"),
		AssociateURL:   c.actionURL(r, "associate"),
		UnassociateURL: c.actionURL(r, "unassociate"),
		PickURL:        c.actionURL(r, "pick"),
	}
}

// render はテンプレートをバッファに描画してから書き込む。
func (c *Consumer) render(w http.ResponseWriter, status int, name string, data *pageData) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// showLogin はログインフォームを表示する。
func (c *Consumer) showLogin(w http.ResponseWriter, r *http.Request, status int, message string) {
	data := c.newPage(r)
	data.Action = r.URL.Path
	data.Message = message
	c.render(w, status, "login.html", data)
}

// showLoginError はメッセージ付きでログインフォームを再表示する。
func (c *Consumer) showLoginError(w http.ResponseWriter, r *http.Request, apiErr *model.APIError) {
	c.showLogin(w, r, middleware.StatusForAPIError(apiErr), apiErr.Message)
}

// showError はエラー画面を表示する。
func (c *Consumer) showError(w http.ResponseWriter, r *http.Request, apiErr *model.APIError) {
	data := c.newPage(r)
	data.Message = apiErr.Message
	data.Hint = apiErr.Action
	c.render(w, middleware.StatusForAPIError(apiErr), "error.html", data)
}
