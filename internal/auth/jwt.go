package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const maxJWTLen = 16 * 1024

// JWTAuthenticator verifies HS256 tokens and takes the user id from the
// "sub" claim. "exp" is required; "nbf" is honoured when present.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

func NewJWTAuthenticator(secret string) JWTAuthenticator {
	return JWTAuthenticator{secret: []byte(secret), now: time.Now}
}

type jwtClaims struct {
	Sub json.RawMessage `json:"sub"`
	Exp *json.Number    `json:"exp"`
	Nbf *json.Number    `json:"nbf"`
}

func (a JWTAuthenticator) Authenticate(c Credential) (int64, error) {
	if c.Token == "" {
		return 0, ErrMissingCredentials
	}
	userID, err := a.verify(c.Token)
	if err != nil {
		return 0, err
	}
	if c.UserID != 0 && c.UserID != userID {
		return 0, ErrInvalidCredentials
	}
	return userID, nil
}

func (a JWTAuthenticator) verify(token string) (int64, error) {
	if len(a.secret) == 0 || len(token) > maxJWTLen {
		return 0, ErrInvalidCredentials
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return 0, ErrInvalidCredentials
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return 0, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return 0, ErrUnsupportedJWT
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, a.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return 0, ErrInvalidCredentials
	}

	var claims jwtClaims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return 0, ErrInvalidCredentials
	}

	now := a.now().Unix()
	if claims.Exp == nil {
		return 0, ErrInvalidCredentials
	}
	exp, err := claims.Exp.Int64()
	if err != nil || now >= exp {
		return 0, ErrInvalidCredentials
	}
	if claims.Nbf != nil {
		nbf, err := claims.Nbf.Int64()
		if err != nil || now < nbf {
			return 0, ErrInvalidCredentials
		}
	}
	return parseSubject(claims.Sub)
}

func decodeSegment(seg string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data")
	}
	return nil
}

// parseSubject accepts "sub" as either a JSON number or a numeric string.
func parseSubject(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, ErrInvalidCredentials
	}
	s := string(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}
