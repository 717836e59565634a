// Package auth resolves bearer tokens into user identities. Tokens are stored
// only as HMAC-SHA256 hashes; the raw token never touches the database.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// Role separates the customer surface from the admin surface.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the identity may use admin operations.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// TokenInfo is a stored token row: the hash it is looked up by and the
// identity it grants.
type TokenInfo struct {
	TokenHash string
	UserID    string
	Role      Role
}

var (
	// ErrUnauthenticated is returned when a token is missing, unknown, or
	// revoked.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when an authenticated identity lacks the role
	// an operation requires.
	ErrForbidden = errors.New("forbidden")
	// ErrTokenNotFound is the repository's no-such-token result. The
	// Authenticator collapses it into ErrUnauthenticated before it reaches a
	// response.
	ErrTokenNotFound = errors.New("token not found")
)

// Repository provides token lookups by HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*TokenInfo, error)
}

// Authenticator validates bearer tokens via HMAC-SHA256 hashed lookups.
type Authenticator struct {
	tokens Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator with the given token repository
// and HMAC pepper.
func NewAuthenticator(tokens Repository, pepper []byte) *Authenticator {
	return &Authenticator{tokens: tokens, pepper: pepper}
}

// Authenticate resolves a raw bearer token into an identity. Every failure
// mode collapses into ErrUnauthenticated so responses leak nothing about
// which tokens exist.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	mac := hmac.New(sha256.New, a.pepper)
	mac.Write([]byte(token))
	hash := mac.Sum(nil)

	info, err := a.tokens.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		return nil, ErrUnauthenticated
	}

	// Constant-time comparison guards against timing side-channels even
	// though the lookup already succeeded: the stored hash could differ from
	// what we computed if the repository returns a stale row.
	stored, err := hex.DecodeString(info.TokenHash)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, ErrUnauthenticated
	}

	return &Identity{UserID: info.UserID, Role: info.Role}, nil
}

type identityKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached to the context, or
// ErrUnauthenticated when none is present.
func IdentityFrom(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || id == nil {
		return nil, ErrUnauthenticated
	}
	return id, nil
}
