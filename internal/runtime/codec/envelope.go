package codec

import (
	"google.golang.org/protobuf/types/known/anypb"

	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
)

// PayloadTypeURL tags envelopes holding a JSON document.
const PayloadTypeURL = "payload"

// Envelope is the generic typed value exchanged by commands. Value holds
// JSON bytes and travels base64 encoded when the envelope itself is JSON.
type Envelope struct {
	TypeURL string `json:"type_url"`
	Value   []byte `json:"value"`
}

// Wrap encodes v as the JSON payload of a new envelope.
func Wrap(v any) (Envelope, error) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return Envelope{}, errspkg.Wrap(errspkg.KindEncoding, "envelope.wrap", err)
	}
	return Envelope{TypeURL: PayloadTypeURL, Value: data}, nil
}

// MustWrap is Wrap for values known to encode, such as map[string]any built
// from strings and numbers.
func MustWrap(v any) Envelope {
	env, err := Wrap(v)
	if err != nil {
		panic(err)
	}
	return env
}

// IsEmpty reports whether the envelope carries no payload.
func (e Envelope) IsEmpty() bool {
	return len(e.Value) == 0
}

// Unwrap decodes the JSON payload into dst.
func (e Envelope) Unwrap(dst any) error {
	if e.IsEmpty() {
		return errspkg.New(errspkg.KindInvalidArgument, "envelope.unwrap", "empty payload")
	}
	if err := jsoncodec.Unmarshal(e.Value, dst); err != nil {
		return errspkg.Wrap(errspkg.KindEncoding, "envelope.unwrap", err)
	}
	return nil
}

// Payload decodes the JSON payload into generic JSON values.
func (e Envelope) Payload() (any, error) {
	var out any
	if err := e.Unwrap(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToAny converts the envelope to a google.protobuf.Any for protobuf transports.
func (e Envelope) ToAny() *anypb.Any {
	return &anypb.Any{TypeUrl: e.TypeURL, Value: e.Value}
}

// FromAny is the inverse of ToAny. A nil Any yields an empty envelope.
func FromAny(a *anypb.Any) Envelope {
	if a == nil {
		return Envelope{}
	}
	return Envelope{TypeURL: a.GetTypeUrl(), Value: a.GetValue()}
}
