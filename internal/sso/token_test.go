package sso

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plexhost/domainmap/internal/db"
)

var tokenDBSeq int

func newTokenStore(t *testing.T) (*TokenStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	tokenDBSeq++
	dsn := fmt.Sprintf("file:sso_token_test_%d?mode=memory&cache=shared", tokenDBSeq)
	dbh, err := db.Open(ctx, db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	dbh.SetMaxOpenConns(1)
	t.Cleanup(func() { dbh.Close() })

	if _, err := dbh.Exec(`INSERT INTO users (username) VALUES ('alice'), ('bob')`); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return NewTokenStore(dbh, "secret"), ctx
}

func TestTokenMintAndConsume(t *testing.T) {
	s, ctx := newTokenStore(t)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	key, err := s.Mint(ctx, 1, 42, "https://tenant.example.com/page#frag")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if key == "" {
		t.Fatal("empty token key")
	}

	tok, err := s.Consume(ctx, key)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if tok.User != 1 || tok.Site != 42 || tok.Back != "https://tenant.example.com/page#frag" {
		t.Errorf("token round-trip mismatch: %+v", tok)
	}
	if tok.Time != 1_700_000_000 {
		t.Errorf("token time = %d", tok.Time)
	}
}

func TestTokenSingleUse(t *testing.T) {
	s, ctx := newTokenStore(t)

	key, err := s.Mint(ctx, 1, 42, "https://tenant.example.com/")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := s.Consume(ctx, key); err != nil {
		t.Fatalf("first consume: %v", err)
	}

	// The row is gone; a replay finds nothing.
	if _, err := s.Consume(ctx, key); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("replay: err = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenUnknownKey(t *testing.T) {
	s, ctx := newTokenStore(t)

	if _, err := s.Consume(ctx, "deadbeef"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenRepeatMintSameSecond(t *testing.T) {
	s, ctx := newTokenStore(t)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	// Two grants for the same user and target within one clock second must
	// not collide on the store's primary key.
	k1, err := s.Mint(ctx, 1, 42, "https://tenant.example.com/")
	if err != nil {
		t.Fatalf("first mint: %v", err)
	}
	k2, err := s.Mint(ctx, 1, 42, "https://tenant.example.com/")
	if err != nil {
		t.Fatalf("second mint: %v", err)
	}
	if k1 == k2 {
		t.Fatal("keys for concurrent grants must differ")
	}

	if _, err := s.Consume(ctx, k1); err != nil {
		t.Errorf("consume first: %v", err)
	}
	if _, err := s.Consume(ctx, k2); err != nil {
		t.Errorf("consume second: %v", err)
	}
}

func TestTokenKeysDifferPerUser(t *testing.T) {
	s, ctx := newTokenStore(t)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	k1, err := s.Mint(ctx, 1, 42, "https://tenant.example.com/")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	k2, err := s.Mint(ctx, 2, 42, "https://tenant.example.com/")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if k1 == k2 {
		t.Error("keys for different users must differ")
	}
}
