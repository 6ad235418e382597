package mirror

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Causes carried by ConfigError.
var (
	ErrEmpty                  = errors.New("must not be empty")
	ErrUnknownChannel         = errors.New("unknown channel")
	ErrUnknownTarget          = errors.New("unknown target triple")
	ErrInvalidFormat          = errors.New("invalid format")
	ErrFormatPlatformMismatch = errors.New("format is not supported on this platform")
)

// ConfigError reports a request that cannot be served.  It names the
// single offending field and value.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// FetchErrorKind classifies a FetchError.
type FetchErrorKind int

// Fetch failure kinds.
const (
	// TransportFailure covers network errors, non-200 responses and
	// truncated bodies.
	TransportFailure FetchErrorKind = iota
	// LengthUnknown means the server did not declare a content length.
	LengthUnknown
)

func (k FetchErrorKind) String() string {
	switch k {
	case TransportFailure:
		return "transport failure"
	case LengthUnknown:
		return "content length unknown"
	}
	return "unknown"
}

// FetchError is returned when a remote resource cannot be retrieved.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	// Status is the HTTP status code, or 0 when no response arrived.
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// retryable returns true for failures that may go away on their own.
func (e *FetchError) retryable() bool {
	return e.Kind == TransportFailure && (e.Status == 0 || e.Status >= 500)
}

// IntegrityError is returned when bytes on disk do not match the digest
// declared upstream.  It is never retried.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// ErrMissingDate is the cause of a PublishError for a manifest without
// a release date.
var ErrMissingDate = errors.New("manifest has no date")

// PublishError is returned when a channel manifest cannot be published.
type PublishError struct {
	Op   string
	Path string
	Err  error
}

func (e *PublishError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("publish %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("publish %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
