// Package auth resolves the user behind a signaling connection.
//
// Peers are identified by the numeric user id of the account that opened the
// connection. How much the relay trusts the client-supplied id depends on the
// configured mode.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credential is what a client presented, either in the query string or in
// its first "auth" message.
type Credential struct {
	UserID int64  `json:"userId,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (c Credential) empty() bool {
	return c.UserID == 0 && c.APIKey == "" && c.Token == ""
}

// Authenticator maps a credential to a user id.
type Authenticator interface {
	Authenticate(c Credential) (userID int64, err error)
}

func New(cfg config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return trustUserID{}, nil
	case config.AuthModeAPIKey:
		return APIKeyAuthenticator{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTAuthenticator(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type trustUserID struct{}

func (trustUserID) Authenticate(c Credential) (int64, error) {
	if c.UserID <= 0 {
		return 0, ErrMissingCredentials
	}
	return c.UserID, nil
}

// CredentialFromQuery reads userId, apiKey and token query parameters. It
// returns ErrMissingCredentials when none are present so callers can fall
// back to the in-band auth message.
func CredentialFromQuery(q url.Values) (Credential, error) {
	var c Credential
	if raw := strings.TrimSpace(q.Get("userId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Credential{}, ErrInvalidCredentials
		}
		c.UserID = id
	}
	c.APIKey = q.Get("apiKey")
	c.Token = q.Get("token")
	if c.empty() {
		return Credential{}, ErrMissingCredentials
	}
	return c, nil
}

// PeerID is the relay peer id of a user.
func PeerID(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}
