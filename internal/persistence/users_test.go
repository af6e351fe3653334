package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-butler/internal/persistence"
)

func TestUsers_WarnAutoBansAtThreshold(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.TouchUser(ctx, 55, "Alex"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	n, banned, err := store.Warn(ctx, 55)
	if err != nil || n != 1 || banned {
		t.Fatalf("first warn: n=%d banned=%v err=%v", n, banned, err)
	}
	n, banned, err = store.Warn(ctx, 55)
	if err != nil || n != 2 || !banned {
		t.Fatalf("second warn: n=%d banned=%v err=%v", n, banned, err)
	}

	u, err := store.GetUser(ctx, 55)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.DisplayName != "Alex" {
		t.Fatalf("display name lost: %+v", u)
	}
}

func TestUsers_BanUnban(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if banned, err := store.IsBanned(ctx, 9); err != nil || banned {
		t.Fatalf("unknown user: banned=%v err=%v", banned, err)
	}
	if err := store.Ban(ctx, 9); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if banned, _ := store.IsBanned(ctx, 9); !banned {
		t.Fatal("expected banned")
	}
	if err := store.Unban(ctx, 9); err != nil {
		t.Fatalf("unban: %v", err)
	}
	u, _ := store.GetUser(ctx, 9)
	if u.Banned || u.Warnings != 0 {
		t.Fatalf("after unban: %+v", u)
	}
	if err := store.Unban(ctx, 12345); err == nil {
		t.Fatal("expected error unbanning unknown user")
	}
}

func TestUsers_FindUser(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.TouchUser(ctx, 77, "Sam"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	for _, q := range []string{"77", "sam", "@Sam", " SAM "} {
		u, err := store.FindUser(ctx, q)
		if err != nil || u.UserID != 77 {
			t.Fatalf("FindUser(%q) = %+v, %v", q, u, err)
		}
	}
	for _, q := range []string{"78", "nobody", "@", ""} {
		if _, err := store.FindUser(ctx, q); !errors.Is(err, persistence.ErrNotFound) {
			t.Fatalf("FindUser(%q) err = %v, want ErrNotFound", q, err)
		}
	}
}
