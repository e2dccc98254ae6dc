package transport

import (
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
)

// WireError is the error part of a response envelope. Kind carries the
// stable tag of an errors.Kind so the caller rebuilds an error of the same
// kind without inspecting types.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response is the envelope returned by every transport call.
type Response struct {
	Data  any        `json:"data,omitempty"`
	Error *WireError `json:"error,omitempty"`
}

// EncodeError converts err for the wire. A nil err yields nil.
func EncodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{
		Kind:    errspkg.KindOf(err).String(),
		Message: errspkg.Message(err),
	}
}

// Err rebuilds the error on the calling side.
func (w *WireError) Err(op string) error {
	if w == nil {
		return nil
	}
	return errspkg.New(errspkg.ParseKind(w.Kind), op, w.Message)
}

// RoundTrip passes err through its wire form, so in-process transports
// behave like remote ones.
func RoundTrip(op string, err error) error {
	return EncodeError(err).Err(op)
}
