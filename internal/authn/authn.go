// Package authn implements ORBIT's auth & session middleware (C4):
// request-id minting, API-key to adapter resolution, session validation,
// and admin bearer-token checks, all synchronous and non-retryable per
// spec §4.4.
package authn

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/orbit-rag/orbit/internal/domain"
)

// ulidEntropy is shared across requests, mirroring the teacher's
// middleware.go (monotonic ULID source, weak randomness acceptable for an
// identifier, not a secret).
var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec

// NewRequestID mints a lexicographically sortable, URL-safe request id.
func NewRequestID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// Authenticator resolves API keys and validates sessions/admin tokens.
type Authenticator struct {
	apiKeys          domain.APIKeyStore
	sessions         domain.SessionStore
	adminBearerToken string
}

// New builds an Authenticator.
func New(apiKeys domain.APIKeyStore, sessions domain.SessionStore, adminBearerToken string) *Authenticator {
	return &Authenticator{apiKeys: apiKeys, sessions: sessions, adminBearerToken: adminBearerToken}
}

// ResolveAPIKey maps the caller's API key to its bound adapter name and
// fingerprint, or ErrAuth if the key is missing/unknown/inactive.
func (a *Authenticator) ResolveAPIKey(ctx context.Context, apiKey string) (domain.APIKeyRecord, error) {
	if apiKey == "" {
		return domain.APIKeyRecord{}, fmt.Errorf("op=authn.ResolveAPIKey: %w: missing API key", domain.ErrAuth)
	}
	rec, err := a.apiKeys.Resolve(ctx, apiKey)
	if err != nil {
		return domain.APIKeyRecord{}, fmt.Errorf("op=authn.ResolveAPIKey: %w: %v", domain.ErrAuth, err)
	}
	if !rec.Active {
		return domain.APIKeyRecord{}, fmt.Errorf("op=authn.ResolveAPIKey: %w: inactive key", domain.ErrAuth)
	}
	return rec, nil
}

// ValidateSession checks a session id exists and is unexpired, returning
// ErrMissingSession (mapped to HTTP 400, spec §7) when absent.
func (a *Authenticator) ValidateSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("op=authn.ValidateSession: %w", domain.ErrMissingSession)
	}
	ok, err := a.sessions.Validate(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("op=authn.ValidateSession: %w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("op=authn.ValidateSession: %w", domain.ErrMissingSession)
	}
	return a.sessions.Touch(ctx, sessionID)
}

// ValidateAdminBearer checks the Authorization header against the
// configured admin bearer token using a constant-time comparison, the same
// defensive posture as the teacher's HMAC signature checks in auth.go.
func (a *Authenticator) ValidateAdminBearer(r *http.Request) bool {
	if a.adminBearerToken == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.adminBearerToken)) == 1
}
