package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/parley-dev/parley/internal/port/credentials"
)

// Refresher obtains a fresh token for an integration source, typically by
// driving the source's OAuth refresh flow.
type Refresher func(ctx context.Context, source string) (credentials.Token, error)

// ErrNoRefresher is returned by Refresh when the store was opened without
// a refresher for the requested source.
var ErrNoRefresher = errors.New("no refresher configured")

// FileStore implements credentials.Store backed by an encrypted file.
// The file holds all integration tokens sealed with XChaCha20-Poly1305;
// every mutation rewrites it atomically.
type FileStore struct {
	path      string
	key       []byte
	refresher Refresher

	mu     sync.Mutex
	tokens map[string]credentials.Token
}

// DeriveKey stretches a passphrase into an encryption key.
func DeriveKey(passphrase string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("parley-token-vault"), nil)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// OpenFileStore opens (or creates) the encrypted token file at path. The
// refresher may be nil; Refresh then fails for every source.
func OpenFileStore(path string, key []byte, refresher Refresher) (*FileStore, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	s := &FileStore{
		path:      path,
		key:       key,
		refresher: refresher,
		tokens:    make(map[string]credentials.Token),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Token returns the stored token for a source.
func (s *FileStore) Token(_ context.Context, source string) (credentials.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[source]
	return tok, ok, nil
}

// Refresh obtains a fresh token via the refresher and persists it.
func (s *FileStore) Refresh(ctx context.Context, source string) (credentials.Token, error) {
	if s.refresher == nil {
		return credentials.Token{}, fmt.Errorf("refresh %s: %w", source, ErrNoRefresher)
	}
	tok, err := s.refresher(ctx, source)
	if err != nil {
		return credentials.Token{}, err
	}
	tok.Source = source
	if err := s.Put(ctx, tok); err != nil {
		return credentials.Token{}, err
	}
	return tok, nil
}

// Put stores a token and rewrites the encrypted file.
func (s *FileStore) Put(_ context.Context, tok credentials.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Source] = tok
	return s.save()
}

// Remove deletes a source's token.
func (s *FileStore) Remove(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, source)
	return s.save()
}

// Sources lists the sources with a stored token.
func (s *FileStore) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tokens))
	for src := range s.tokens {
		out = append(out, src)
	}
	return out
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	if len(data) < aead.NonceSize() {
		return errors.New("token file truncated")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("decrypt token file: %w", err)
	}
	if err := json.Unmarshal(plain, &s.tokens); err != nil {
		return fmt.Errorf("parse token file: %w", err)
	}
	return nil
}

// save encrypts and atomically replaces the token file. Caller holds s.mu.
func (s *FileStore) save() error {
	plain, err := json.Marshal(s.tokens)
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".parley-tokens-*")
	if err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
