// Package identity issues and verifies API keys for non-interactive clients.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iKunal-Singh/promptHub/internal/store"
	"github.com/iKunal-Singh/promptHub/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidKey = errors.New("invalid api key")

// KeyStore defines the storage interface for API keys.
type KeyStore interface {
	InsertAPIKey(ctx context.Context, key store.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (store.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

type Service struct {
	store KeyStore
}

func NewService(store KeyStore) *Service {
	return &Service{store: store}
}

// Issue mints an API key for the user. The plaintext is returned once
// in the form "<key-id>.<secret>"; only a bcrypt hash is stored.
func (s *Service) Issue(ctx context.Context, userID, label string) (string, store.APIKey, error) {
	secret := util.NewSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", store.APIKey{}, fmt.Errorf("hash api key: %w", err)
	}

	key := store.APIKey{
		ID:        util.NewID("pk"),
		UserID:    userID,
		Label:     label,
		KeyHash:   string(hash),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertAPIKey(ctx, key); err != nil {
		return "", store.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return key.ID + "." + secret, key, nil
}

// Verify checks a plaintext API key and returns the owning user.
func (s *Service) Verify(ctx context.Context, plaintext string) (store.User, error) {
	keyID, secret, ok := strings.Cut(plaintext, ".")
	if !ok || keyID == "" || secret == "" {
		return store.User{}, ErrInvalidKey
	}

	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, ErrInvalidKey
		}
		return store.User{}, fmt.Errorf("load api key: %w", err)
	}
	if key.RevokedAt != nil {
		return store.User{}, ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return store.User{}, ErrInvalidKey
	}

	user, err := s.store.GetUserByID(ctx, key.UserID)
	if err != nil {
		return store.User{}, fmt.Errorf("load key owner: %w", err)
	}
	return user, nil
}

// Revoke disables an API key. Revocation is permanent.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	if err := s.store.RevokeAPIKey(ctx, keyID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}
