package eventbus

import (
	"context"
	"errors"
	"strings"

	"github.com/relaypoint/notifly/libs/breaker"
)

// Classification is the coordinator's verdict on a handler error.
type Classification struct {
	Retryable bool
	Kind      string
}

type classifiedError struct {
	kind      string
	retryable bool
	err       error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Retryable tags err as transient with a canonical kind (e.g.
// "TimeoutError"). Tagged errors bypass the substring fallback, so raise
// them at the point the failure is understood.
func Retryable(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, retryable: true, err: err}
}

// Terminal tags err as permanent: the envelope goes straight to the
// dead-letter topic without retries.
func Terminal(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, retryable: false, err: err}
}

// terminalPatterns marks client-error shapes that retrying cannot fix.
// Checked before retryablePatterns: anything not matched is retryable.
var terminalPatterns = []struct {
	substr string
	kind   string
}{
	{"validation", "ValidationError"},
	{"invalid", "ValidationError"},
	{"malformed", "ValidationError"},
	{"bad request", "BadRequestError"},
	{"unmarshal", "ParseError"},
	{"parse", "ParseError"},
	{"schema", "SchemaError"},
	{"unauthorized", "UnauthorizedError"},
	{"forbidden", "ForbiddenError"},
	{"not found", "NotFoundError"},
}

var retryablePatterns = []struct {
	substr string
	kind   string
}{
	{"timed out", "TimeoutError"},
	{"timeout", "TimeoutError"},
	{"deadline exceeded", "TimeoutError"},
	{"connection refused", "NetworkError"},
	{"connection reset", "NetworkError"},
	{"broken pipe", "NetworkError"},
	{"no such host", "NetworkError"},
	{"rate limit", "RateLimitError"},
	{"too many requests", "RateLimitError"},
	{"service unavailable", "UpstreamError"},
	{"internal server error", "UpstreamError"},
	{"bad gateway", "UpstreamError"},
}

// Classify decides whether err is worth retrying. Explicitly tagged
// errors and circuit-open rejections are authoritative; untagged errors
// from external code fall back to message matching. Deterministic, no
// side effects.
func Classify(err error) Classification {
	var tagged *classifiedError
	if errors.As(err, &tagged) {
		return Classification{Retryable: tagged.retryable, Kind: tagged.kind}
	}

	var open *breaker.OpenError
	if errors.As(err, &open) {
		return Classification{Retryable: true, Kind: "CircuitOpenError"}
	}
	if errors.Is(err, breaker.ErrCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Kind: "TimeoutError"}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range terminalPatterns {
		if strings.Contains(msg, p.substr) {
			return Classification{Retryable: false, Kind: p.kind}
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p.substr) {
			return Classification{Retryable: true, Kind: p.kind}
		}
	}
	return Classification{Retryable: true, Kind: "UnknownError"}
}
