package consumer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/openidauth/internal/auth"
	"github.com/hitoshi/openidauth/internal/middleware"
	"github.com/hitoshi/openidauth/internal/model"
	"github.com/hitoshi/openidauth/internal/openid"
	"github.com/hitoshi/openidauth/internal/repository"
	"github.com/hitoshi/openidauth/internal/user"
)

// --- OpenIDクライアントのモック ---

type mockOpenIDClient struct {
	beginFn    func(ctx context.Context, userURL string) (*openid.AuthRequest, error)
	completeFn func(ctx context.Context, query url.Values, returnTo string) *openid.Response
}

func (m *mockOpenIDClient) Begin(ctx context.Context, userURL string) (*openid.AuthRequest, error) {
	if m.beginFn != nil {
		return m.beginFn(ctx, userURL)
	}
	return nil, openid.ErrDiscoveryFailure
}

func (m *mockOpenIDClient) Complete(ctx context.Context, query url.Values, returnTo string) *openid.Response {
	if m.completeFn != nil {
		return m.completeFn(ctx, query, returnTo)
	}
	return &openid.Response{Status: openid.StatusFailure, Message: "not configured"}
}

// succeedAs は常に指定のOpenIDで成功するクライアントを返す。
func succeedAs(identity string, sreg map[string]string) *mockOpenIDClient {
	return &mockOpenIDClient{
		completeFn: func(_ context.Context, _ url.Values, _ string) *openid.Response {
			return &openid.Response{Status: openid.StatusSuccess, IdentityURL: identity, SReg: sreg}
		},
	}
}

// --- メトリクスのモック ---

type recordingCollector struct {
	mu           sync.Mutex
	loginResults []string
	discoveries  []bool
}

func (c *recordingCollector) RecordLoginResult(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginResults = append(c.loginResults, status)
}

func (c *recordingCollector) RecordDiscovery(_ time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveries = append(c.discoveries, ok)
}

func (c *recordingCollector) RecordProviderStatus(int)     {}
func (c *recordingCollector) RecordAssociationCreated()    {}
func (c *recordingCollector) RecordAssociationRemoved()    {}
func (c *recordingCollector) RecordRegistration()          {}
func (c *recordingCollector) RecordCleanup(string, int64) {}

// --- インメモリのリポジトリ ---

type memDB struct {
	mu       sync.Mutex
	users    map[string]*model.User
	assocs   []*model.UserOpenID
	sessions map[string]*model.Session
}

func newMemDB() *memDB {
	return &memDB{
		users:    make(map[string]*model.User),
		sessions: make(map[string]*model.Session),
	}
}

// addUser はユーザーと紐付けを直接登録する。一意制約は確認しない。
func (db *memDB) addUser(id, username string, openids ...string) *model.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	u := &model.User{ID: id, Username: username}
	db.users[id] = u
	for i, o := range openids {
		db.assocs = append(db.assocs, &model.UserOpenID{
			ID:        id + "-assoc-" + string(rune('a'+i)),
			UserID:    id,
			OpenID:    o,
			CreatedAt: time.Now(),
		})
	}
	return u
}

func (db *memDB) session(id string) *model.Session {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sessions[id]
}

func (db *memDB) associationsOf(userID string) []*model.UserOpenID {
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []*model.UserOpenID
	for _, a := range db.assocs {
		if a.UserID == userID {
			result = append(result, a)
		}
	}
	return result
}

type memUserRepo struct{ db *memDB }

func (r memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.users[id], nil
}

func (r memUserRepo) FindByUsername(_ context.Context, username string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

func (r memUserRepo) CreateWithOpenID(_ context.Context, u *model.User, uo *model.UserOpenID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.users {
		if existing.Username == u.Username {
			return repository.ErrDuplicateUsername
		}
	}
	for _, a := range r.db.assocs {
		if a.OpenID == uo.OpenID {
			return repository.ErrDuplicateOpenID
		}
	}
	r.db.users[u.ID] = u
	r.db.assocs = append(r.db.assocs, uo)
	return nil
}

func (r memUserRepo) DeleteByID(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.users, id)
	return nil
}

type memOpenIDRepo struct{ db *memDB }

func (r memOpenIDRepo) FindByID(_ context.Context, id string) (*model.UserOpenID, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, a := range r.db.assocs {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

func (r memOpenIDRepo) ListUsersByOpenID(_ context.Context, openid string) ([]*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var users []*model.User
	for _, a := range r.db.assocs {
		if a.OpenID == openid {
			if u, ok := r.db.users[a.UserID]; ok {
				users = append(users, u)
			}
		}
	}
	return users, nil
}

func (r memOpenIDRepo) ListByUserID(_ context.Context, userID string) ([]*model.UserOpenID, error) {
	return r.db.associationsOf(userID), nil
}

func (r memOpenIDRepo) CountByUserID(_ context.Context, userID string) (int, error) {
	return len(r.db.associationsOf(userID)), nil
}

func (r memOpenIDRepo) Create(_ context.Context, uo *model.UserOpenID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, a := range r.db.assocs {
		if a.OpenID == uo.OpenID {
			return repository.ErrDuplicateOpenID
		}
	}
	r.db.assocs = append(r.db.assocs, uo)
	return nil
}

func (r memOpenIDRepo) DeleteUnlessLast(_ context.Context, userID, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	idx, count := -1, 0
	for i, a := range r.db.assocs {
		if a.UserID != userID {
			continue
		}
		count++
		if a.ID == id {
			idx = i
		}
	}
	if idx < 0 {
		return repository.ErrAssociationNotFound
	}
	if count <= 1 {
		return repository.ErrLastOpenID
	}
	r.db.assocs = append(r.db.assocs[:idx], r.db.assocs[idx+1:]...)
	return nil
}

type memSessionRepo struct{ db *memDB }

func copySession(s *model.Session) *model.Session {
	c := *s
	c.OpenIDs = append([]model.SignedInOpenID(nil), s.OpenIDs...)
	return &c
}

func (r memSessionRepo) Create(_ context.Context, s *model.Session) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.sessions[s.ID] = copySession(s)
	return nil
}

func (r memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (r memSessionRepo) UpdateOpenIDs(_ context.Context, id string, openids []model.SignedInOpenID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s, ok := r.db.sessions[id]; ok {
		s.OpenIDs = append([]model.SignedInOpenID(nil), openids...)
	}
	return nil
}

func (r memSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.sessions, id)
	return nil
}

func (r memSessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, s := range r.db.sessions {
		if s.UserID == userID {
			delete(r.db.sessions, id)
		}
	}
	return nil
}

func (r memSessionRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// --- テストハーネス ---

type harness struct {
	t        *testing.T
	db       *memDB
	sessions *auth.Service
	router   chi.Router
}

// newHarness は /openid/ にマウントしたエンドポイントを構築する。
// build にはauth.Serviceとuser.Serviceが渡される。
func newHarness(t *testing.T, build func(sessions *auth.Service, accounts *user.Service) http.Handler) *harness {
	t.Helper()
	db := newMemDB()
	sessions := auth.NewService(memUserRepo{db}, memOpenIDRepo{db}, memSessionRepo{db}, auth.ServiceConfig{SessionMaxAge: 3600})
	accounts := user.NewService(memUserRepo{db}, memOpenIDRepo{db}, memSessionRepo{db}, nil)

	h := build(sessions, accounts)
	r := chi.NewRouter()
	r.Handle("/openid", h)
	r.Handle("/openid/*", h)

	return &harness{t: t, db: db, sessions: sessions, router: r}
}

// do はリクエストを実行する。formがnilでなければフォームとして送る。
func (h *harness) do(method, target string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// signIn はOpenIDでサインインを完了させ、発行されたセッションCookieを返す。
func (h *harness) signIn(cookies ...*http.Cookie) (*httptest.ResponseRecorder, *http.Cookie) {
	h.t.Helper()
	w := h.do(http.MethodGet, "/openid/complete/?openid.mode=id_res", nil, cookies...)
	c := lastCookie(w, middleware.SessionCookieName)
	if c == nil && len(cookies) > 0 {
		c = cookies[0]
	}
	return w, c
}

// logInAs はユーザーとしてログイン済みのセッションを作る。
func (h *harness) logInAs(userID string) *http.Cookie {
	h.t.Helper()
	session, err := h.sessions.LogIn(context.Background(), "", userID)
	if err != nil {
		h.t.Fatalf("LogIn() error = %v", err)
	}
	return &http.Cookie{Name: middleware.SessionCookieName, Value: session.ID}
}

// lastCookie はレスポンスで最後に設定された指定名のCookieを返す。
func lastCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, want, w.Body.String())
	}
}

func assertRedirect(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	assertStatus(t, w, http.StatusFound)
	if got := w.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func assertBodyContains(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	if !strings.Contains(w.Body.String(), want) {
		t.Errorf("body does not contain %q; body = %s", want, w.Body.String())
	}
}
