// Package shortlink issues the short tokens that stand in for a transfer's
// file id in shareable links, and resolves them back.
package shortlink

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"europa/internal/store"
)

// TokenBytes is the amount of randomness in a token. Encoded with the
// URL-safe base64 alphabet it yields 8 characters.
const TokenBytes = 6

// MaxAttempts bounds how many candidates Shorten tries before giving up.
const MaxAttempts = 32

var ErrTokenSpaceExhausted = errors.New("shortlink: no free token after max attempts")

// Resolver maps transfers to short tokens and back.
type Resolver interface {
	// Shorten picks a token not currently used by any transfer and assigns
	// it to t.ShortURL. Nothing is persisted; the caller stores t.
	Shorten(ctx context.Context, t *store.Transfer) (string, error)
	// Resolve returns the transfer behind token, or store.ErrNotFound.
	Resolve(ctx context.Context, token string) (*store.Transfer, error)
}

// Generator produces candidate tokens.
type Generator func() (string, error)

// RandomToken draws TokenBytes from crypto/rand.
func RandomToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("shortlink: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StoreResolver checks candidates against the metadata store.
type StoreResolver struct {
	store    store.Store
	generate Generator
}

// NewStoreResolver returns a resolver over s. A nil gen uses RandomToken.
func NewStoreResolver(s store.Store, gen Generator) *StoreResolver {
	if gen == nil {
		gen = RandomToken
	}
	return &StoreResolver{store: s, generate: gen}
}

func (r *StoreResolver) Shorten(ctx context.Context, t *store.Transfer) (string, error) {
	for range MaxAttempts {
		token, err := r.generate()
		if err != nil {
			return "", err
		}
		taken, err := r.store.TokenExists(ctx, token)
		if err != nil {
			return "", fmt.Errorf("shortlink: check token: %w", err)
		}
		if !taken {
			t.ShortURL = token
			return token, nil
		}
	}
	return "", ErrTokenSpaceExhausted
}

func (r *StoreResolver) Resolve(ctx context.Context, token string) (*store.Transfer, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	t, err := r.store.TransferByShortURL(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("shortlink: resolve %q: %w", token, err)
	}
	return t, nil
}

var _ Resolver = (*StoreResolver)(nil)
