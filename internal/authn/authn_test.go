package authn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPIKeyStore struct {
	records map[string]domain.APIKeyRecord
}

func (f *fakeAPIKeyStore) Resolve(ctx context.Context, apiKey string) (domain.APIKeyRecord, error) {
	rec, ok := f.records[apiKey]
	if !ok {
		return domain.APIKeyRecord{}, errors.New("not found")
	}
	return rec, nil
}

type fakeSessionStore struct {
	valid map[string]bool
}

func (f *fakeSessionStore) Validate(ctx context.Context, sessionID string) (bool, error) {
	return f.valid[sessionID], nil
}

func (f *fakeSessionStore) Touch(ctx context.Context, sessionID string) error { return nil }

func TestResolveAPIKeyMissing(t *testing.T) {
	a := New(&fakeAPIKeyStore{records: map[string]domain.APIKeyRecord{}}, &fakeSessionStore{}, "")
	_, err := a.ResolveAPIKey(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestResolveAPIKeyInactive(t *testing.T) {
	store := &fakeAPIKeyStore{records: map[string]domain.APIKeyRecord{
		"k1": {AdapterName: "docs", Active: false},
	}}
	a := New(store, &fakeSessionStore{}, "")
	_, err := a.ResolveAPIKey(context.Background(), "k1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestResolveAPIKeyActive(t *testing.T) {
	store := &fakeAPIKeyStore{records: map[string]domain.APIKeyRecord{
		"k1": {AdapterName: "docs", Active: true, Fingerprint: "fp1"},
	}}
	a := New(store, &fakeSessionStore{}, "")
	rec, err := a.ResolveAPIKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "docs", rec.AdapterName)
}

func TestValidateSessionMissing(t *testing.T) {
	a := New(&fakeAPIKeyStore{}, &fakeSessionStore{valid: map[string]bool{}}, "")
	err := a.ValidateSession(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingSession)
}

func TestValidateSessionUnknown(t *testing.T) {
	a := New(&fakeAPIKeyStore{}, &fakeSessionStore{valid: map[string]bool{}}, "")
	err := a.ValidateSession(context.Background(), "sess-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingSession)
}

func TestValidateSessionOK(t *testing.T) {
	a := New(&fakeAPIKeyStore{}, &fakeSessionStore{valid: map[string]bool{"sess-1": true}}, "")
	err := a.ValidateSession(context.Background(), "sess-1")
	require.NoError(t, err)
}

func TestValidateAdminBearer(t *testing.T) {
	a := New(&fakeAPIKeyStore{}, &fakeSessionStore{}, "s3cr3t")

	r := httptest.NewRequest(http.MethodGet, "/health/adapters", nil)
	assert.False(t, a.ValidateAdminBearer(r))

	r.Header.Set("Authorization", "Bearer wrong")
	assert.False(t, a.ValidateAdminBearer(r))

	r.Header.Set("Authorization", "Bearer s3cr3t")
	assert.True(t, a.ValidateAdminBearer(r))
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 26, "ULID string representation is 26 chars")
}

func TestAPIKeySecretHashRoundTrip(t *testing.T) {
	hash, err := HashAPIKeySecret("my-secret")
	require.NoError(t, err)
	assert.True(t, VerifyAPIKeySecret("my-secret", hash))
	assert.False(t, VerifyAPIKeySecret("wrong-secret", hash))
}
