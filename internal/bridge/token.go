package bridge

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/oxterm/termcore/internal/cerr"
)

const (
	tokenRandomBytes = 32
	tokenTotalBytes  = 40 // 32 random ‖ 8-byte big-endian unix seconds
	// TokenValidity is the window in which a token is accepted.
	TokenValidity = 300 * time.Second
)

// GenerateToken creates a fresh bridge auth token: 40 bytes (32 random,
// 8-byte big-endian creation time in unix seconds), base64url without
// padding — 54 characters.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenTotalBytes)
	if _, err := rand.Read(raw[:tokenRandomBytes]); err != nil {
		return "", cerr.Wrap(cerr.IoError, err, "generate token randomness")
	}
	binary.BigEndian.PutUint64(raw[tokenRandomBytes:], uint64(time.Now().Unix()))
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateToken checks a presented token against the expected one: the
// random portion must match in constant time and the embedded creation time
// must be within the validity window of now.
func ValidateToken(expected, presented string, now time.Time) error {
	expRaw, err := base64.RawURLEncoding.DecodeString(expected)
	if err != nil || len(expRaw) != tokenTotalBytes {
		return cerr.New(cerr.AuthFailed, "malformed expected token")
	}
	gotRaw, err := base64.RawURLEncoding.DecodeString(presented)
	if err != nil || len(gotRaw) != tokenTotalBytes {
		return cerr.New(cerr.AuthFailed, "malformed token")
	}

	if subtle.ConstantTimeCompare(expRaw[:tokenRandomBytes], gotRaw[:tokenRandomBytes]) != 1 {
		return cerr.New(cerr.AuthFailed, "token mismatch")
	}

	created := time.Unix(int64(binary.BigEndian.Uint64(gotRaw[tokenRandomBytes:])), 0)
	age := now.Sub(created)
	if age < 0 || age > TokenValidity {
		return cerr.New(cerr.AuthFailed, "token expired")
	}
	return nil
}
