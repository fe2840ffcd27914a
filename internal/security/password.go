package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordScheme = "pbkdf2"

	MinIterations     = 50_000
	MaxIterations     = 100_000
	DefaultIterations = MaxIterations

	// stored records above this are rejected rather than verified
	maxVerifyIterations = 10 * MaxIterations

	saltLen = 16
	keyLen  = 32
)

var b64 = base64.RawURLEncoding

// HashPassword derives a PBKDF2-SHA256 record with the default iteration count.
func HashPassword(password string) (string, error) {
	return HashPasswordWithIterations(password, DefaultIterations)
}

// HashPasswordWithIterations clamps iterations to [MinIterations, MaxIterations]
// and returns "pbkdf2$<iters>$<salt>$<key>" with base64url fields.
func HashPasswordWithIterations(password string, iterations int) (string, error) {
	iterations = max(MinIterations, min(MaxIterations, iterations))

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)

	return fmt.Sprintf("%s$%d$%s$%s", passwordScheme, iterations, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyPassword reports whether password matches the stored record. Any
// malformed record verifies as false.
func VerifyPassword(password, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != passwordScheme {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 || iterations > maxVerifyIterations {
		return false
	}
	salt, err := decodeField(parts[2])
	if err != nil || len(salt) == 0 {
		return false
	}
	expected, err := decodeField(parts[3])
	if err != nil || len(expected) == 0 {
		return false
	}

	derived := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}

// IterationsOf returns the iteration count recorded in a stored hash.
func IterationsOf(stored string) (int, bool) {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != passwordScheme {
		return 0, false
	}
	n, err := strconv.Atoi(parts[1])
	return n, err == nil
}

func decodeField(s string) ([]byte, error) {
	return b64.DecodeString(strings.TrimRight(s, "="))
}
