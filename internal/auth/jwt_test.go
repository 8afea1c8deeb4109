package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + enc.EncodeToString(mac.Sum(nil))
}

func testJWTAuthenticator(now time.Time) JWTAuthenticator {
	return JWTAuthenticator{secret: []byte("secret"), now: func() time.Time { return now }}
}

func TestJWTAuthenticator_AcceptsNumericAndStringSubject(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	a := testJWTAuthenticator(now)
	hdr := map[string]any{"alg": "HS256", "typ": "JWT"}

	for _, sub := range []any{42, "42"} {
		token := mustJWT(t, "secret", hdr, map[string]any{
			"sub": sub,
			"exp": now.Add(time.Minute).Unix(),
		})
		id, err := a.Authenticate(Credential{Token: token})
		if err != nil {
			t.Fatalf("sub=%v: Authenticate: %v", sub, err)
		}
		if id != 42 {
			t.Fatalf("sub=%v: id=%d, want 42", sub, id)
		}
	}
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	a := testJWTAuthenticator(now)
	hdr := map[string]any{"alg": "HS256"}

	cases := map[string]string{
		"expired":     mustJWT(t, "secret", hdr, map[string]any{"sub": 1, "exp": now.Add(-time.Second).Unix()}),
		"missing exp": mustJWT(t, "secret", hdr, map[string]any{"sub": 1}),
		"not before":  mustJWT(t, "secret", hdr, map[string]any{"sub": 1, "exp": now.Add(time.Hour).Unix(), "nbf": now.Add(time.Minute).Unix()}),
		"bad secret":  mustJWT(t, "other", hdr, map[string]any{"sub": 1, "exp": now.Add(time.Hour).Unix()}),
		"bad subject": mustJWT(t, "secret", hdr, map[string]any{"sub": "alice", "exp": now.Add(time.Hour).Unix()}),
		"malformed":   "a.b",
	}
	for name, token := range cases {
		if _, err := a.Authenticate(Credential{Token: token}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err=%v, want ErrInvalidCredentials", name, err)
		}
	}

	none := mustJWT(t, "secret", map[string]any{"alg": "none"}, map[string]any{"sub": 1, "exp": now.Add(time.Hour).Unix()})
	if _, err := a.Authenticate(Credential{Token: none}); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("alg=none: err=%v, want ErrUnsupportedJWT", err)
	}
}

func TestJWTAuthenticator_UserIDMustMatchSubject(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	a := testJWTAuthenticator(now)
	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{"sub": 7, "exp": now.Add(time.Hour).Unix()})

	if _, err := a.Authenticate(Credential{Token: token, UserID: 8}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
	if id, err := a.Authenticate(Credential{Token: token, UserID: 7}); err != nil || id != 7 {
		t.Fatalf("id=%d err=%v, want 7 nil", id, err)
	}
}
