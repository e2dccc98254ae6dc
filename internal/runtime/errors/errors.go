package errors

import (
	sterrors "errors"
	"fmt"
	"runtime"
)

// Kind classifies chassis failures. The string form travels in transport
// response envelopes so remote callers can rebuild an error of the same kind.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindConfiguration
	KindUnimplemented
	KindNoEndpoints
	KindProviderUnavailable
	KindEncoding
	KindNoProvider
	KindUnsupported
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:            "internal",
	KindInvalidArgument:     "invalid_argument",
	KindConfiguration:       "configuration",
	KindUnimplemented:       "unimplemented",
	KindNoEndpoints:         "no_endpoints",
	KindProviderUnavailable: "provider_unavailable",
	KindEncoding:            "encoding",
	KindNoProvider:          "no_provider",
	KindUnsupported:         "unsupported",
	KindNotFound:            "not_found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindInternal]
}

// ParseKind maps a wire tag back to a Kind. Unknown tags become KindInternal.
func ParseKind(tag string) Kind {
	for k, name := range kindNames {
		if name == tag {
			return k
		}
	}
	return KindInternal
}

// Error is the typed error returned across chassis component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return fmt.Sprintf("chassis: %s: %s", e.Op, msg)
	}
	return "chassis: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against kind sentinels, so errors.Is(err, ErrInvalidArgument)
// holds for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels, for errors.Is checks only.
var (
	ErrInternal            = &Error{Kind: KindInternal}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrUnimplemented       = &Error{Kind: KindUnimplemented}
	ErrNoEndpoints         = &Error{Kind: KindNoEndpoints}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrEncoding            = &Error{Kind: KindEncoding}
	ErrNoProvider          = &Error{Kind: KindNoProvider}
	ErrUnsupported         = &Error{Kind: KindUnsupported}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// Plain sentinels for argument validation.
var (
	ErrServerRequired    = sterrors.New("chassis: server is required")
	ErrServiceRequired   = sterrors.New("chassis: service is required")
	ErrTopicRequired     = sterrors.New("chassis: topic name is required")
	ErrEventRequired     = sterrors.New("chassis: event name is required")
	ErrListenerRequired  = sterrors.New("chassis: listener is required")
	ErrConfigRequired    = sterrors.New("chassis: config is required")
	ErrLoggerRequired    = sterrors.New("chassis: logger is required")
	ErrProviderRequired  = sterrors.New("chassis: provider is required")
	ErrBalancerRequired  = sterrors.New("chassis: load balancer is required")
	ErrFactoryRequired   = sterrors.New("chassis: endpoint factory is required")
	ErrEndpointsRequired = sterrors.New("chassis: at least one endpoint instance is required")
)

// New builds an *Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if sterrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the human readable part of err without the chassis prefix
// and operation, which is what transports put on the wire.
func Message(err error) string {
	var e *Error
	if sterrors.As(err, &e) {
		switch {
		case e.Msg != "" && e.Err != nil:
			return e.Msg + ": " + e.Err.Error()
		case e.Msg != "":
			return e.Msg
		case e.Err != nil:
			return e.Err.Error()
		default:
			return e.Kind.String()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsProgrammingError reports failures caused by bugs rather than by the request:
// runtime errors (nil dereference, bad index, ...) and Internal-kind errors.
func IsProgrammingError(err error) bool {
	if err == nil {
		return false
	}
	var rtErr runtime.Error
	if sterrors.As(err, &rtErr) {
		return true
	}
	var e *Error
	if sterrors.As(err, &e) {
		return e.Kind == KindInternal
	}
	return false
}

// ConfigValidationError wraps the joined problems found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "chassis: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConfiguration) match validation failures.
func (e ConfigValidationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
