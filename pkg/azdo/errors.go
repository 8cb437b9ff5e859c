package azdo

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned when the provider rejects the credential (HTTP 401).
// It is never retried; callers are expected to ask for a new credential.
var ErrUnauthorized = errors.New("azdo: authentication failed: invalid or expired personal access token")

// ErrNoCredential is returned when no credential could be obtained for a call.
var ErrNoCredential = errors.New("azdo: no personal access token configured")

// AuthRedirectError reports that the provider answered with a redirect. The
// provider API never redirects, so this almost always means an interactive login
// (SAML/OpenID) page sits in front of it.
type AuthRedirectError struct {
	URL      string
	Location string
}

func (e *AuthRedirectError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("azdo: request to %s was redirected to %s, probably a SAML or OpenID login is configured in front of the API", e.URL, e.Location)
	}
	return fmt.Sprintf("azdo: request to %s was redirected, probably a SAML or OpenID login is configured in front of the API", e.URL)
}

// RemoteError is a non-2xx response other than 401.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("azdo: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("azdo: unexpected status %d: %s", e.Status, e.Message)
}

// Transient reports whether the status is worth retrying.
func (e *RemoteError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// TransportError wraps failures below the HTTP layer (DNS, timeouts, resets).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("azdo: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a payload that did not match the expected schema.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("azdo: decode response from %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err means the user has to fix their credentials
// or sign-in setup rather than simply retry later.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoCredential) {
		return true
	}
	var redirect *AuthRedirectError
	return errors.As(err, &redirect)
}
