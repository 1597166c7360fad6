package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("gateway overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_ErisWrapped(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := eris.Wrap(inner, "whatsapp: send")
	if !IsTransient(wrapped) {
		t.Error("expected eris-wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilAndPlain(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("plain error should not be transient")
	}
}

func TestIsTransient_Syscalls(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		err := fmt.Errorf("dial tcp: %w", errno)
		if !IsTransient(err) {
			t.Errorf("%v should be transient", errno)
		}
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, msg := range []string{
		"read: connection reset by peer",
		"net/http: TLS handshake timeout",
		"dial tcp 10.0.0.1:3001: i/o timeout",
		"unexpected EOF",
	} {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("expected %q to be transient", msg)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	tests := map[int]bool{
		200: false, 400: false, 401: false, 404: false,
		408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
	}
	for code, want := range tests {
		if got := IsTransientHTTPStatus(code); got != want {
			t.Errorf("IsTransientHTTPStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"validation", NewValidationError(base), KindValidation},
		{"transient", NewTransientError(base, 503), KindTransient},
		{"auth", NewAuthError(base, 401), KindAuth},
		{"permanent", NewPermanentError(base, 400), KindPermanent},
		{"wrapped auth", eris.Wrap(NewAuthError(base, 403), "anthropic: create message"), KindAuth},
		{"wrapped permanent", fmt.Errorf("send: %w", NewPermanentError(base, 422)), KindPermanent},
		{"network heuristic", errors.New("write: broken pipe"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_OutermostTypeWins(t *testing.T) {
	// A permanent failure whose cause happened to be a timeout stays permanent.
	err := NewPermanentError(NewTransientError(errors.New("timeout"), 504), 400)
	if got := Classify(err); got != KindPermanent {
		t.Errorf("Classify() = %s, want permanent", got)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	base := errors.New("upstream said no")
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{402, KindAuth},
		{429, KindTransient},
		{503, KindTransient},
		{599, KindTransient},
		{400, KindPermanent},
		{404, KindPermanent},
		{422, KindPermanent},
	}
	for _, tt := range tests {
		if got := Classify(FromHTTPStatus(tt.status, base)); got != tt.want {
			t.Errorf("FromHTTPStatus(%d) classified %s, want %s", tt.status, got, tt.want)
		}
	}
	if FromHTTPStatus(200, base) != base {
		t.Error("2xx should return err unchanged")
	}
	if FromHTTPStatus(500, nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestTaxonomyUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	for _, err := range []error{
		NewTransientError(inner, 500),
		NewAuthError(inner, 401),
		NewPermanentError(inner, 400),
		NewValidationError(inner),
	} {
		if !errors.Is(err, inner) {
			t.Errorf("%T should unwrap to inner error", err)
		}
		if err.Error() != "root cause" {
			t.Errorf("%T message = %q", err, err.Error())
		}
	}
}

func TestKind_String(t *testing.T) {
	if KindAuth.String() != "auth" || KindUnknown.String() != "unknown" {
		t.Error("unexpected kind names")
	}
}
