package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/orbit-rag/orbit/internal/config"
	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ConfigAPIKeyStore resolves API keys against the statically configured
// api_keys section of the YAML domain config (spec §6 "API keys in
// api_keys"). Keys are loaded once at construction; the store has
// no reload path.
type ConfigAPIKeyStore struct {
	byFingerprint map[string]config.APIKeyEntry
}

// NewConfigAPIKeyStore indexes entries by fingerprint for O(1) resolution.
// The caller passes the raw API key as seen on the wire; Resolve verifies
// it against each entry's hashed secret rather than a fingerprint lookup
// alone, since the fingerprint is a non-secret identifier, not the key.
func NewConfigAPIKeyStore(entries []config.APIKeyEntry) *ConfigAPIKeyStore {
	byFingerprint := make(map[string]config.APIKeyEntry, len(entries))
	for _, e := range entries {
		byFingerprint[e.Fingerprint] = e
	}
	return &ConfigAPIKeyStore{byFingerprint: byFingerprint}
}

// Resolve treats apiKey as "fingerprint.secret" (the fingerprint names
// which configured entry to check, the secret is verified against its
// stored hash), mirroring the teacher's API-key-with-visible-prefix
// pattern so a leaked log line never reveals the verifiable secret.
func (s *ConfigAPIKeyStore) Resolve(ctx context.Context, apiKey string) (domain.APIKeyRecord, error) {
	fingerprint, secret, ok := splitAPIKey(apiKey)
	if !ok {
		return domain.APIKeyRecord{}, fmt.Errorf("malformed api key")
	}
	entry, ok := s.byFingerprint[fingerprint]
	if !ok {
		return domain.APIKeyRecord{}, fmt.Errorf("unknown api key")
	}
	if !VerifyAPIKeySecret(secret, entry.Secret) {
		return domain.APIKeyRecord{}, fmt.Errorf("secret mismatch")
	}
	return domain.APIKeyRecord{
		Fingerprint: entry.Fingerprint,
		AdapterName: entry.Adapter,
		Active:      entry.Active,
	}, nil
}

func splitAPIKey(apiKey string) (fingerprint, secret string, ok bool) {
	for i := 0; i < len(apiKey); i++ {
		if apiKey[i] == '.' {
			return apiKey[:i], apiKey[i+1:], true
		}
	}
	return "", "", false
}

// RedisSessionStore backs C9-adjacent session validation with Redis,
// TTL-extending keys on every touch. Sessions themselves are minted
// outside C4 (the caller supplies session_id; ORBIT never issues one);
// Validate simply checks the key still exists within its sliding window.
type RedisSessionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSessionStore builds a RedisSessionStore. ttl <= 0 defaults to
// 24h, matching chat sessions' typical lifetime.
func NewRedisSessionStore(rdb *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{rdb: rdb, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return "orbit:session:" + sessionID
}

// Validate reports whether sessionID has an active (unexpired) key,
// creating one on first sight — the first message in a session is
// legitimate, not a missing-session error, matching a client generating
// its own session id before the first /v1/chat call.
func (s *RedisSessionStore) Validate(ctx context.Context, sessionID string) (bool, error) {
	if s.rdb == nil {
		return true, nil
	}
	n, err := s.rdb.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=authn.RedisSessionStore.Validate: %w", err)
	}
	if n == 0 {
		if err := s.rdb.Set(ctx, sessionKey(sessionID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
			return false, fmt.Errorf("op=authn.RedisSessionStore.Validate: %w", err)
		}
	}
	return true, nil
}

// Touch extends sessionID's TTL, keeping an active conversation alive.
func (s *RedisSessionStore) Touch(ctx context.Context, sessionID string) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Expire(ctx, sessionKey(sessionID), s.ttl).Err(); err != nil {
		return fmt.Errorf("op=authn.RedisSessionStore.Touch: %w", err)
	}
	return nil
}
