package openid

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryNonceStore_RejectsReuse(t *testing.T) {
	store := NewMemoryNonceStore(time.Minute)
	ctx := context.Background()
	now := time.Now()

	if err := store.Accept(ctx, "https://op.example.com/", "n1", now); err != nil {
		t.Fatalf("first Accept() error = %v", err)
	}
	if err := store.Accept(ctx, "https://op.example.com/", "n1", now); !errors.Is(err, ErrNonceReused) {
		t.Errorf("second Accept() error = %v, want ErrNonceReused", err)
	}
	// 別プロバイダーの同一nonceは受け付ける
	if err := store.Accept(ctx, "https://other.example.com/", "n1", now); err != nil {
		t.Errorf("Accept() for other endpoint error = %v", err)
	}
}

func TestMemoryNonceStore_ExpiresOldEntries(t *testing.T) {
	store := NewMemoryNonceStore(time.Minute)
	current := time.Now()
	store.now = func() time.Time { return current }
	ctx := context.Background()

	if err := store.Accept(ctx, "op", "n1", current); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	current = current.Add(2 * time.Minute)
	if err := store.Accept(ctx, "op", "n2", current); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(store.seen) != 1 {
		t.Errorf("len(seen) = %d, want 1 after expiry", len(store.seen))
	}
}

func TestParseNonceTime(t *testing.T) {
	ts, err := parseNonceTime("2024-01-02T03:04:05Zabc")
	if err != nil {
		t.Fatalf("parseNonceTime() error = %v", err)
	}
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("parseNonceTime() = %v, want %v", ts, want)
	}

	for _, bad := range []string{"", "short", "2024-13-45T99:99:99Zxyz"} {
		if _, err := parseNonceTime(bad); err == nil {
			t.Errorf("parseNonceTime(%q) expected error", bad)
		}
	}
}
