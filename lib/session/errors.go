package session

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthErrorKind says which step of authentication failed.
type AuthErrorKind int

const (
	// FetchFailed means a page of the handshake could not be loaded.
	FetchFailed AuthErrorKind = iota + 1
	// TokensMissing means the consent page did not carry csrfToken and sessionId.
	TokensMissing
	// CrumbUnavailable means the crumb endpoint did not hand out a crumb.
	CrumbUnavailable
	// AuthenticationExhausted means a request was still refused after re-authenticating.
	AuthenticationExhausted
	// Superseded means the strategy changed while the handshake was running,
	// its result was thrown away.
	Superseded
)

var (
	ErrFetchFailed             = errors.New("session: fetch failed")
	ErrTokensMissing           = errors.New("session: consent tokens missing")
	ErrCrumbUnavailable        = errors.New("session: crumb unavailable")
	ErrAuthenticationExhausted = errors.New("session: authentication exhausted")
	ErrSuperseded              = errors.New("session: handshake superseded")

	// ErrHTTPStatus matches every NetworkError caused by a response status.
	ErrHTTPStatus = errors.New("session: unexpected http status")
)

func (k AuthErrorKind) sentinel() error {
	switch k {
	case FetchFailed:
		return ErrFetchFailed
	case TokensMissing:
		return ErrTokensMissing
	case CrumbUnavailable:
		return ErrCrumbUnavailable
	case AuthenticationExhausted:
		return ErrAuthenticationExhausted
	case Superseded:
		return ErrSuperseded
	default:
		return nil
	}
}

func (k AuthErrorKind) String() string {
	switch k {
	case FetchFailed:
		return "fetch failed"
	case TokensMissing:
		return "tokens missing"
	case CrumbUnavailable:
		return "crumb unavailable"
	case AuthenticationExhausted:
		return "authentication exhausted"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// AuthError is returned by everything that authenticates. It matches the
// Err... sentinel of its kind with errors.Is and unwraps to its cause.
type AuthError struct {
	Kind AuthErrorKind
	// StatusCode is the http status that caused the failure, if there was one.
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("session: authentication failed: %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

// NetworkError is a request that failed in transport or came back with a
// status other than 2xx.
type NetworkError struct {
	// StatusCode is 0 when the request never got a response.
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("session: unexpected http status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("session: request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrHTTPStatus && e.StatusCode != 0
}

// HTTPStatus returns the status code carried by a NetworkError or an
// AuthError in err's chain.
func HTTPStatus(err error) (int, bool) {
	var networkErr *NetworkError
	if errors.As(err, &networkErr) && networkErr.StatusCode != 0 {
		return networkErr.StatusCode, true
	}
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.StatusCode != 0 {
		return authErr.StatusCode, true
	}
	return 0, false
}
