package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Argon2id parameters for new hashes (OWASP 2025 recommendation).
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length
)

// Stored hashes weaker than these are refused outright. Upper bounds stop a
// tampered row from turning a login into a memory or CPU exhaustion.
const (
	minArgonMemory  = 19 * 1024 // 19 MiB, OWASP floor
	minArgonTime    = 2
	maxArgonMemory  = 256 * 1024
	maxArgonTime    = 10
	maxArgonThreads = 16
	minArgonKeyLen  = 16
	maxArgonKeyLen  = 64
	minBcryptCost   = 10
)

// MinPasswordLength is enforced when creating accounts.
const MinPasswordLength = 12

// HashPassword hashes a plaintext password using Argon2id and returns it
// in PHC string format: $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a plaintext password against a stored hash.
//
// Argon2id PHC strings and legacy bcrypt hashes ($2a$, $2b$, $2y$) are
// accepted. Any mismatch, malformed hash, unsupported algorithm or
// below-minimum cost yields false; callers cannot tell these apart.
func VerifyPassword(password, stored string) bool {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return verifyArgon2id(password, stored)
	case isBcrypt(stored):
		return verifyBcrypt(password, stored)
	default:
		return false
	}
}

// NeedsRehash reports whether a stored hash should be replaced with a fresh
// Argon2id hash at the current parameters after a successful login.
func NeedsRehash(stored string) bool {
	if isBcrypt(stored) {
		return true
	}
	_, _, params, err := decodePHC(stored)
	if err != nil {
		return true
	}
	return params.memory < argonMemory || params.time < argonTime
}

func verifyArgon2id(password, stored string) bool {
	salt, hash, params, err := decodePHC(stored)
	if err != nil {
		return false
	}
	if params.memory < minArgonMemory || params.time < minArgonTime {
		return false
	}

	candidate := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(hash))) //nolint:gosec // G115: bounded by maxArgonKeyLen

	return subtle.ConstantTimeCompare(hash, candidate) == 1
}

func isBcrypt(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

func verifyBcrypt(password, stored string) bool {
	cost, err := bcrypt.Cost([]byte(stored))
	if err != nil || cost < minBcryptCost {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// decodePHC parses an Argon2id PHC string into its components and checks
// the parameters are within the accepted bounds.
func decodePHC(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return nil, nil, params, fmt.Errorf("invalid PHC hash format")
	}

	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil { //nolint:govet // shadow
		return nil, nil, params, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, params, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil { //nolint:govet // shadow
		return nil, nil, params, fmt.Errorf("parsing parameters: %w", err)
	}
	if params.memory > maxArgonMemory || params.time > maxArgonTime ||
		params.threads == 0 || params.threads > maxArgonThreads {
		return nil, nil, params, fmt.Errorf("argon2 parameters out of range")
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding salt: %w", err)
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding hash: %w", err)
	}
	if len(hash) < minArgonKeyLen || len(hash) > maxArgonKeyLen {
		return nil, nil, params, fmt.Errorf("argon2 key length out of range")
	}

	return salt, hash, params, nil
}
