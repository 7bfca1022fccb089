package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/openidauth/internal/database"
	"github.com/hitoshi/openidauth/internal/model"
	"github.com/hitoshi/openidauth/internal/openid"
)

// setupIntegrationDB はTEST_DATABASE_URLのデータベースにマイグレーションを適用する。
// 未設定または接続できない場合はスキップする。
func setupIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URLが未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE users, user_openids, sessions, openid_nonces CASCADE`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	return db
}

func newTestUser(username string) (*model.User, *model.UserOpenID) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	user := &model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Email:     username + "@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
	uo := &model.UserOpenID{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		OpenID:    "http://" + username + ".example.com/",
		CreatedAt: now,
	}
	return user, uo
}

// 同じユーザーの紐付けを同時に削除しても、最後の1つは残る。
func TestIntegration_DeleteUnlessLast_Concurrent(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(db)
	openids := NewPostgresOpenIDRepo(db)

	carol, first := newTestUser("carol")
	if err := users.CreateWithOpenID(ctx, carol, first); err != nil {
		t.Fatalf("CreateWithOpenID() error = %v", err)
	}
	second := &model.UserOpenID{
		ID:        uuid.New().String(),
		UserID:    carol.ID,
		OpenID:    "https://op.example.com/carol",
		CreatedAt: time.Now(),
	}
	if err := openids.Create(ctx, second); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = openids.DeleteUnlessLast(ctx, carol.ID, id)
		}()
	}
	wg.Wait()

	last := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, ErrLastOpenID):
			last++
		default:
			t.Errorf("DeleteUnlessLast() error = %v", err)
		}
	}
	if last != 1 {
		t.Errorf("errs = %v, want exactly one ErrLastOpenID", errs)
	}
	if count, _ := openids.CountByUserID(ctx, carol.ID); count != 1 {
		t.Errorf("CountByUserID() = %d, want 1", count)
	}
}

func TestIntegration_UserAndOpenIDs(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(db)
	openids := NewPostgresOpenIDRepo(db)

	alice, aliceOpenID := newTestUser("alice")
	if err := users.CreateWithOpenID(ctx, alice, aliceOpenID); err != nil {
		t.Fatalf("CreateWithOpenID() error = %v", err)
	}

	found, err := users.FindByUsername(ctx, "alice")
	if err != nil || found == nil || found.ID != alice.ID {
		t.Fatalf("FindByUsername() = %+v, %v", found, err)
	}

	matched, err := openids.ListUsersByOpenID(ctx, aliceOpenID.OpenID)
	if err != nil {
		t.Fatalf("ListUsersByOpenID() error = %v", err)
	}
	if len(matched) != 1 || matched[0].ID != alice.ID {
		t.Errorf("ListUsersByOpenID() = %+v, want alice only", matched)
	}

	t.Run("同じユーザー名は登録できない", func(t *testing.T) {
		dup, dupOpenID := newTestUser("alice")
		dupOpenID.OpenID = "http://other.example.com/"
		if err := users.CreateWithOpenID(ctx, dup, dupOpenID); !errors.Is(err, ErrDuplicateUsername) {
			t.Errorf("error = %v, want ErrDuplicateUsername", err)
		}
	})

	t.Run("同じOpenIDは別ユーザーに紐付けられない", func(t *testing.T) {
		bob, bobOpenID := newTestUser("bob")
		bobOpenID.OpenID = aliceOpenID.OpenID
		if err := users.CreateWithOpenID(ctx, bob, bobOpenID); !errors.Is(err, ErrDuplicateOpenID) {
			t.Errorf("error = %v, want ErrDuplicateOpenID", err)
		}
		// トランザクションがロールバックされ、ユーザーも作成されていないこと
		if u, _ := users.FindByUsername(ctx, "bob"); u != nil {
			t.Error("user should not exist after rollback")
		}
	})

	t.Run("追加の紐付けと削除", func(t *testing.T) {
		extra := &model.UserOpenID{
			ID:        uuid.New().String(),
			UserID:    alice.ID,
			OpenID:    "https://op.example.com/alice",
			CreatedAt: time.Now(),
		}
		if err := openids.Create(ctx, extra); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if count, _ := openids.CountByUserID(ctx, alice.ID); count != 2 {
			t.Errorf("CountByUserID() = %d, want 2", count)
		}
		if err := openids.Create(ctx, extra); !errors.Is(err, ErrDuplicateOpenID) {
			t.Errorf("duplicate Create() error = %v, want ErrDuplicateOpenID", err)
		}
		if err := openids.DeleteUnlessLast(ctx, alice.ID, extra.ID); err != nil {
			t.Fatalf("DeleteUnlessLast() error = %v", err)
		}
		list, _ := openids.ListByUserID(ctx, alice.ID)
		if len(list) != 1 {
			t.Errorf("ListByUserID() len = %d, want 1", len(list))
		}
	})

	t.Run("最後の紐付けと他ユーザーの紐付けは削除できない", func(t *testing.T) {
		if err := openids.DeleteUnlessLast(ctx, alice.ID, aliceOpenID.ID); !errors.Is(err, ErrLastOpenID) {
			t.Errorf("last DeleteUnlessLast() error = %v, want ErrLastOpenID", err)
		}
		if err := openids.DeleteUnlessLast(ctx, uuid.New().String(), aliceOpenID.ID); !errors.Is(err, ErrAssociationNotFound) {
			t.Errorf("foreign DeleteUnlessLast() error = %v, want ErrAssociationNotFound", err)
		}
		if uo, _ := openids.FindByID(ctx, aliceOpenID.ID); uo == nil {
			t.Error("association should still exist")
		}
	})

	t.Run("ユーザー削除で紐付けもCASCADE削除される", func(t *testing.T) {
		if err := users.DeleteByID(ctx, alice.ID); err != nil {
			t.Fatalf("DeleteByID() error = %v", err)
		}
		if uo, _ := openids.FindByID(ctx, aliceOpenID.ID); uo != nil {
			t.Error("association should be deleted with the user")
		}
	})
}

func TestIntegration_Sessions(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	sessions := NewPostgresSessionRepo(db)

	anon := &model.Session{
		ID:        "anon-session",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	if err := sessions.Create(ctx, anon); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	openids := []model.SignedInOpenID{{
		OpenID:     "http://alice.example.com/",
		SReg:       map[string]string{"nickname": "alice"},
		SignedInAt: time.Now().UTC().Truncate(time.Second),
	}}
	if err := sessions.UpdateOpenIDs(ctx, anon.ID, openids); err != nil {
		t.Fatalf("UpdateOpenIDs() error = %v", err)
	}

	got, err := sessions.FindByID(ctx, anon.ID)
	if err != nil || got == nil {
		t.Fatalf("FindByID() = %v, %v", got, err)
	}
	if got.UserID != "" {
		t.Errorf("UserID = %q, want anonymous", got.UserID)
	}
	if !got.HasOpenID("http://alice.example.com/") {
		t.Errorf("OpenIDs = %+v, want alice", got.OpenIDs)
	}
	if got.OpenIDs[0].SReg["nickname"] != "alice" {
		t.Errorf("SReg = %+v", got.OpenIDs[0].SReg)
	}

	expired := &model.Session{
		ID:        "expired-session",
		ExpiresAt: time.Now().Add(-time.Hour),
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := sessions.Create(ctx, expired); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s, _ := sessions.FindByID(ctx, expired.ID); s != nil {
		t.Error("expired session should not be returned")
	}

	n, err := sessions.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}
}

func TestIntegration_Nonces(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	nonces := NewPostgresNonceRepo(db)
	now := time.Now()

	if err := nonces.Accept(ctx, "https://op.example.com/", "n1", now); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := nonces.Accept(ctx, "https://op.example.com/", "n1", now); !errors.Is(err, openid.ErrNonceReused) {
		t.Errorf("Accept() replay error = %v, want ErrNonceReused", err)
	}
	if err := nonces.Accept(ctx, "https://op.example.com/", "old", now.Add(-time.Hour)); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	n, err := nonces.DeleteIssuedBefore(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("DeleteIssuedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteIssuedBefore() = %d, want 1", n)
	}
}
