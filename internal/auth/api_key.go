package auth

import "crypto/subtle"

// APIKeyAuthenticator accepts a client-supplied user id once the shared API
// key matches.
type APIKeyAuthenticator struct {
	Expected string
}

func (a APIKeyAuthenticator) Authenticate(c Credential) (int64, error) {
	if c.APIKey == "" {
		return 0, ErrMissingCredentials
	}
	if a.Expected == "" || subtle.ConstantTimeCompare([]byte(c.APIKey), []byte(a.Expected)) != 1 {
		return 0, ErrInvalidCredentials
	}
	if c.UserID <= 0 {
		return 0, ErrMissingCredentials
	}
	return c.UserID, nil
}
