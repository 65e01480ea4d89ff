package secrets_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-dev/parley/internal/port/credentials"
	"github.com/parley-dev/parley/internal/secrets"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := secrets.DeriveKey("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	key := testKey(t)
	ctx := context.Background()

	s, err := secrets.OpenFileStore(path, key, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tok := credentials.Token{
		Source:      "github",
		AccessToken: "gh-abc",
		ExpiresAt:   time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	if err := s.Put(ctx, tok); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Reopen and verify the token survived encryption.
	s2, err := secrets.OpenFileStore(path, key, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := s2.Token(ctx, "github")
	if err != nil || !ok {
		t.Fatalf("token: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "gh-abc" || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("token = %+v", got)
	}
}

func TestFileStoreWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	ctx := context.Background()

	s, err := secrets.OpenFileStore(path, testKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, credentials.Token{Source: "github", AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}

	other, err := secrets.DeriveKey("wrong-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := secrets.OpenFileStore(path, other, nil); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}

func TestFileStoreRefreshPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	key := testKey(t)
	ctx := context.Background()

	refreshed := 0
	s, err := secrets.OpenFileStore(path, key, func(_ context.Context, source string) (credentials.Token, error) {
		refreshed++
		return credentials.Token{AccessToken: source + "-fresh"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	tok, err := s.Refresh(ctx, "linear")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.Source != "linear" || tok.AccessToken != "linear-fresh" {
		t.Fatalf("token = %+v", tok)
	}
	if refreshed != 1 {
		t.Fatalf("refreshed = %d", refreshed)
	}

	s2, err := secrets.OpenFileStore(path, key, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s2.Token(ctx, "linear"); !ok {
		t.Fatal("refreshed token not persisted")
	}
}

func TestFileStoreNoRefresher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	s, err := secrets.OpenFileStore(path, testKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Refresh(context.Background(), "github"); !errors.Is(err, secrets.ErrNoRefresher) {
		t.Fatalf("err = %v", err)
	}
}

func TestFileStoreMissingSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	s, err := secrets.OpenFileStore(path, testKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Token(context.Background(), "absent"); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestFileStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	s, err := secrets.OpenFileStore(path, testKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = s.Put(ctx, credentials.Token{Source: "github", AccessToken: "x"})
	if err := s.Remove(ctx, "github"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Token(ctx, "github"); ok {
		t.Fatal("token still present after remove")
	}
	if got := s.Sources(); len(got) != 0 {
		t.Fatalf("sources = %v", got)
	}
}
