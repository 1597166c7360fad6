package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is the failure class used to decide how an error propagates.
type Kind int

const (
	// KindUnknown is any error that carries no classification.
	KindUnknown Kind = iota
	// KindValidation is bad input. Never retried.
	KindValidation
	// KindTransient is a network, timeout or rate-limit failure. Retried with backoff.
	KindTransient
	// KindAuth is a credential or quota failure. Surfaced immediately.
	KindAuth
	// KindPermanent is a failure that will not succeed on retry (e.g. invalid recipient).
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// AuthError marks a credential or quota problem with an upstream provider.
type AuthError struct {
	Err        error
	StatusCode int
}

func (e *AuthError) Error() string { return e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err as an auth failure.
func NewAuthError(err error, statusCode int) *AuthError {
	return &AuthError{Err: err, StatusCode: statusCode}
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as permanent.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// ValidationError marks rejected caller input.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err as a validation failure.
func NewValidationError(err error) *ValidationError {
	return &ValidationError{Err: err}
}

// Classify returns the failure class of err. Explicit taxonomy types win over
// the network heuristics in IsTransient; the outermost typed error decides.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *ValidationError:
			return KindValidation
		case *AuthError:
			return KindAuth
		case *PermanentError:
			return KindPermanent
		case *TransientError:
			return KindTransient
		}
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsAuth reports whether err is classified as an auth failure.
func IsAuth(err error) bool { return Classify(err) == KindAuth }

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool { return Classify(err) == KindPermanent }

// IsValidation reports whether err is classified as a validation failure.
func IsValidation(err error) bool { return Classify(err) == KindValidation }

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped HTTP client errors lose their types.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// FromHTTPStatus wraps err in the taxonomy type matching an upstream HTTP
// status. Statuses below 400 return err unchanged.
func FromHTTPStatus(statusCode int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusPaymentRequired:
		return NewAuthError(err, statusCode)
	case IsTransientHTTPStatus(statusCode), statusCode >= 500:
		return NewTransientError(err, statusCode)
	case statusCode >= 400:
		return NewPermanentError(err, statusCode)
	default:
		return err
	}
}
