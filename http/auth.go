package http

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderAPIKey carries a static or database-issued facilitator API key
const HeaderAPIKey = "X-API-Key"

// ============================================================================
// Client-side auth providers
// ============================================================================

// APIKeyAuth sends the same API key to every facilitator endpoint
type APIKeyAuth struct {
	Key string
}

// GetAuthHeaders implements AuthProvider
func (a APIKeyAuth) GetAuthHeaders(_ context.Context) (AuthHeaders, error) {
	h := map[string]string{HeaderAPIKey: a.Key}
	return AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
}

// JWTAuth mints a short-lived HS256 bearer token per request
type JWTAuth struct {
	Secret  []byte
	Subject string
	// TTL of each token, defaults to one minute
	TTL time.Duration
	Now func() time.Time
}

// GetAuthHeaders implements AuthProvider
func (a JWTAuth) GetAuthHeaders(_ context.Context) (AuthHeaders, error) {
	if len(a.Secret) == 0 {
		return AuthHeaders{}, errors.New("jwt secret is empty")
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	ttl := a.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   a.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(a.Secret)
	if err != nil {
		return AuthHeaders{}, fmt.Errorf("failed to sign jwt: %w", err)
	}

	h := map[string]string{"Authorization": "Bearer " + signed}
	return AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
}

// ============================================================================
// Server-side authenticators
// ============================================================================

// StatusError is an error carrying the HTTP status to answer with
type StatusError struct {
	error
	status int
}

// Status returns the status code of the error
func (se StatusError) Status() int {
	return se.status
}

// NewStatusError creates a new StatusError
func NewStatusError(err error, status int) error {
	return StatusError{error: err, status: status}
}

var errUnauthorized = errors.New("unauthorized")

// Authenticator admits or refuses a facilitator request
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(r *http.Request) error

// Authenticate implements Authenticator
func (f AuthenticatorFunc) Authenticate(r *http.Request) error {
	return f(r)
}

// StaticKeyAuthenticator accepts a single configured API key
type StaticKeyAuthenticator struct {
	Key string
}

// Authenticate implements Authenticator
func (a StaticKeyAuthenticator) Authenticate(r *http.Request) error {
	provided := r.Header.Get(HeaderAPIKey)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(a.Key)) != 1 {
		return NewStatusError(errUnauthorized, http.StatusUnauthorized)
	}
	return nil
}

// selectAPIKey finds a live key by its sha256 digest
const selectAPIKey = "SELECT key_hash FROM api_keys WHERE key_hash = ? AND revoked = 0"

// SQLKeyAuthenticator accepts keys listed in the api_keys table. Keys are
// stored as hex sha256 digests.
type SQLKeyAuthenticator struct {
	DB *sql.DB
}

// Authenticate implements Authenticator
func (a SQLKeyAuthenticator) Authenticate(r *http.Request) error {
	provided := r.Header.Get(HeaderAPIKey)
	if provided == "" {
		return NewStatusError(errUnauthorized, http.StatusUnauthorized)
	}

	var keyHash string
	err := a.DB.QueryRowContext(r.Context(), selectAPIKey, HashAPIKey(provided)).Scan(&keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return NewStatusError(errUnauthorized, http.StatusUnauthorized)
	}
	if err != nil {
		return NewStatusError(errors.New("failed to get key from database"), http.StatusInternalServerError)
	}
	return nil
}

// HashAPIKey returns the digest stored in api_keys for key
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

const (
	createAPIKeysTable = `CREATE TABLE IF NOT EXISTS api_keys (
	key_hash   TEXT PRIMARY KEY,
	label      TEXT NOT NULL DEFAULT '',
	revoked    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`
	insertAPIKey = "INSERT INTO api_keys (key_hash, label, revoked, created_at) VALUES (?, ?, 0, ?)"
	revokeAPIKey = "UPDATE api_keys SET revoked = 1 WHERE key_hash = ? AND revoked = 0"
)

// MigrateAPIKeys creates the api_keys table
func MigrateAPIKeys(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createAPIKeysTable); err != nil {
		return fmt.Errorf("failed to create api_keys table: %w", err)
	}
	return nil
}

// AddAPIKey stores the digest of key
func AddAPIKey(ctx context.Context, db *sql.DB, key, label string) error {
	if key == "" {
		return errors.New("api key is empty")
	}
	if _, err := db.ExecContext(ctx, insertAPIKey, HashAPIKey(key), label, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

// RevokeAPIKey disables key. It reports false when no live key matched.
func RevokeAPIKey(ctx context.Context, db *sql.DB, key string) (bool, error) {
	res, err := db.ExecContext(ctx, revokeAPIKey, HashAPIKey(key))
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	return n == 1, nil
}

// JWTAuthenticator accepts HS256 bearer tokens signed with Secret
type JWTAuthenticator struct {
	Secret []byte
	// Subject, when set, must match the token subject
	Subject string
}

// Authenticate implements Authenticator
func (a JWTAuthenticator) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return NewStatusError(errUnauthorized, http.StatusUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return NewStatusError(fmt.Errorf("unauthorized: %w", err), http.StatusUnauthorized)
	}
	if a.Subject != "" && claims.Subject != a.Subject {
		return NewStatusError(errUnauthorized, http.StatusUnauthorized)
	}
	return nil
}

// AnyAuthenticator admits a request when one of its members does. Server
// errors from a member win over a plain refusal.
type AnyAuthenticator []Authenticator

// Authenticate implements Authenticator
func (as AnyAuthenticator) Authenticate(r *http.Request) error {
	if len(as) == 0 {
		return nil
	}
	var last error
	for _, a := range as {
		err := a.Authenticate(r)
		if err == nil {
			return nil
		}
		var se StatusError
		if errors.As(err, &se) && se.Status() >= 500 {
			return err
		}
		last = err
	}
	return last
}
