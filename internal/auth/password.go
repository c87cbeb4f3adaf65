package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"
)

// passwordCacheSize bounds the in-process verification cache. Entries
// map a bcrypt hash to the md5 hex that last verified against it, so
// repeat logins skip the bcrypt work.
const passwordCacheSize = 512

type passwordVerifier struct {
	cache *lru.Cache[string, string]
}

func newPasswordVerifier() *passwordVerifier {
	cache, _ := lru.New[string, string](passwordCacheSize)
	return &passwordVerifier{cache: cache}
}

// verify checks plaintext against the stored hash. The legacy scheme is
// bcrypt over the md5 hex of the plaintext; a plain bcrypt hash is
// accepted as fallback for accounts migrated from other systems.
func (v *passwordVerifier) verify(hash, plaintext string) bool {
	sum := md5.Sum([]byte(plaintext))
	md5hex := hex.EncodeToString(sum[:])

	if cached, ok := v.cache.Get(hash); ok && cached == md5hex {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(md5hex)) == nil {
		v.cache.Add(hash, md5hex)
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// HashPassword produces the legacy-compatible hash for a new password.
func HashPassword(plaintext string) (string, error) {
	sum := md5.Sum([]byte(plaintext))
	md5hex := hex.EncodeToString(sum[:])
	hash, err := bcrypt.GenerateFromPassword([]byte(md5hex), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// randomToken returns a 128-char hex string from 64 random bytes. Token
// strings are opaque; uniqueness is enforced by the store.
func randomToken() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// randomDigits returns n decimal digits, leading zeros included.
func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("reading code entropy: %w", err)
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}

const backupCodeCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomBackupCode returns a 10-char lowercase alphanumeric code.
func randomBackupCode() (string, error) {
	out := make([]byte, backupCodeLength)
	for i := range out {
		d, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeCharset))))
		if err != nil {
			return "", fmt.Errorf("reading code entropy: %w", err)
		}
		out[i] = backupCodeCharset[d.Int64()]
	}
	return string(out), nil
}
