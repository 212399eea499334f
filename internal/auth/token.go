package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that fail structural or signature
// checks.
var ErrInvalidToken = errors.New("invalid session token")

// Claims is the signed identity carried by a session token.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Nonce    string `json:"nonce"`
}

// signToken builds "base64(claims JSON).hex(HMAC-SHA256(claims JSON))". The
// MAC is computed over the raw JSON bytes, not their base64 form.
func signToken(claims Claims, secret []byte) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(payload) + "." + hex.EncodeToString(mac.Sum(nil)), nil
}

// CreateToken issues a signed token for the given account with a fresh
// nonce, so repeated logins never produce the same token.
func (m *Manager) CreateToken(userID int64, username string) (string, error) {
	return signToken(Claims{UserID: userID, Username: username, Nonce: uuid.NewString()}, m.secret)
}

// VerifyToken checks the token's signature in constant time and returns its
// claims. The payload and signature split at the LAST dot so a dot inside
// the payload cannot confuse parsing.
func (m *Manager) VerifyToken(token string) (*Claims, error) {
	dot := strings.LastIndex(token, ".")
	if dot <= 0 || dot == len(token)-1 {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidToken)
	}
	payload, err := base64.StdEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, fmt.Errorf("%w: payload not base64", ErrInvalidToken)
	}
	sig, err := hex.DecodeString(token[dot+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: signature not hex", ErrInvalidToken)
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload not valid JSON", ErrInvalidToken)
	}
	if claims.UserID <= 0 || claims.Username == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	return &claims, nil
}
