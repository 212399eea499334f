package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Password hashing parameters. New hashes are always Argon2id; PBKDF2 hashes
// from older deployments keep verifying.
const (
	saltSize      = 16
	keySize       = 32
	argonTime     = 3
	argonMemory   = 64 * 1024 // KiB
	argonThreads  = 2
	minPBKDF2Iter = 100_000
)

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// HashPassword derives an Argon2id hash of password under salt. The returned
// string is self-describing: "argon2id$t=3,m=65536,p=2$<base64 key>".
func HashPassword(password string, salt []byte) string {
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, keySize)
	return fmt.Sprintf("argon2id$t=%d,m=%d,p=%d$%s",
		argonTime, argonMemory, argonThreads,
		base64.RawStdEncoding.EncodeToString(key))
}

// hashPBKDF2 derives a legacy PBKDF2-SHA256 hash: "pbkdf2$<iter>$<base64 key>".
func hashPBKDF2(password string, salt []byte, iterations int) string {
	key := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s", iterations, base64.RawStdEncoding.EncodeToString(key))
}

// VerifyPassword re-derives the key for password under salt using the scheme
// recorded in stored and compares in constant time. Unknown or malformed
// schemes verify as false with an error describing why.
func VerifyPassword(password string, salt []byte, stored string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 {
		return false, fmt.Errorf("malformed password hash")
	}
	scheme, params, encoded := parts[0], parts[1], parts[2]

	want, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("malformed password hash key: %w", err)
	}

	var got []byte
	switch scheme {
	case "argon2id":
		var t, m, p int
		for _, kv := range strings.Split(params, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return false, fmt.Errorf("malformed argon2id params %q", params)
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return false, fmt.Errorf("malformed argon2id params %q", params)
			}
			switch k {
			case "t":
				t = n
			case "m":
				m = n
			case "p":
				p = n
			}
		}
		if t <= 0 || m <= 0 || p <= 0 || p > 255 {
			return false, fmt.Errorf("malformed argon2id params %q", params)
		}
		got = argon2.IDKey([]byte(password), salt, uint32(t), uint32(m), uint8(p), uint32(len(want)))
	case "pbkdf2":
		iter, err := strconv.Atoi(params)
		if err != nil || iter < minPBKDF2Iter {
			return false, fmt.Errorf("pbkdf2 iteration count %q below minimum", params)
		}
		got = pbkdf2.Key([]byte(password), salt, iter, len(want), sha256.New)
	default:
		return false, fmt.Errorf("unknown password hash scheme %q", scheme)
	}

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
