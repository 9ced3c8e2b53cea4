package authn

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params mirrors the teacher's Argon2Params/defaultArgon2Params in
// internal/adapter/httpserver/auth.go, reused here to hash API key secrets
// at rest instead of admin passwords.
type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLen     uint32
	keyLen      uint32
}

var defaultArgon2Params = argon2Params{
	memory:      64 * 1024,
	iterations:  3,
	parallelism: 2,
	saltLen:     16,
	keyLen:      32,
}

// HashAPIKeySecret produces an Argon2id hash of an API key secret, in the
// same "argon2id$iter$mem$par$salt$hash" encoding the teacher uses for
// admin passwords.
func HashAPIKeySecret(secret string) (string, error) {
	p := defaultArgon2Params
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=authn.HashAPIKeySecret: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, p.iterations, p.memory, p.parallelism, p.keyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		p.iterations, p.memory, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyAPIKeySecret checks a plaintext secret against its stored hash.
func VerifyAPIKeySecret(secret, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iterations, err1 := strconv.ParseUint(parts[1], 10, 32)
	memory, err2 := strconv.ParseUint(parts[2], 10, 32)
	parallelism, err3 := strconv.ParseUint(parts[3], 10, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(secret), salt, uint32(iterations), uint32(memory), uint8(parallelism), defaultArgon2Params.keyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
