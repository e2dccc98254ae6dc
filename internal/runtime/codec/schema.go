// Package codec turns event payloads and command envelopes into bytes and back.
package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
)

// Schema encodes payloads for one (topic, event) pair. For every payload x
// accepted by Encode, Decode(Encode(x)) is equal to x.
type Schema interface {
	Name() string
	Encode(payload any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSONSchema encodes any JSON-serialisable value. Decode produces generic
// JSON values, so payloads should already be maps, slices or scalars when
// strict equality after a round trip matters.
func JSONSchema() Schema {
	return jsonSchema{}
}

type jsonSchema struct{}

func (jsonSchema) Name() string { return "json" }

func (jsonSchema) Encode(payload any) ([]byte, error) {
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "json.encode", err)
	}
	return data, nil
}

func (jsonSchema) Decode(data []byte) (any, error) {
	var out any
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "json.decode", err)
	}
	return out, nil
}

// ProtoSchema encodes messages of the prototype's type in the binary wire
// format. Payloads of any other type are rejected.
func ProtoSchema(prototype proto.Message) Schema {
	return protoSchema{prototype: prototype, binary: true}
}

// ProtoJSONSchema is ProtoSchema using the canonical protobuf JSON mapping.
func ProtoJSONSchema(prototype proto.Message) Schema {
	return protoSchema{prototype: prototype}
}

var protoJSONMarshalOptions = protojson.MarshalOptions{EmitUnpopulated: true}

type protoSchema struct {
	prototype proto.Message
	binary    bool
}

func (s protoSchema) Name() string {
	name := "proto"
	if !s.binary {
		name = "protojson"
	}
	return fmt.Sprintf("%s:%s", name, s.prototype.ProtoReflect().Descriptor().FullName())
}

func (s protoSchema) Encode(payload any) ([]byte, error) {
	msg, ok := payload.(proto.Message)
	if !ok || isNilProto(msg) {
		return nil, errspkg.Newf(errspkg.KindEncoding, "proto.encode", "payload %T is not a proto message", payload)
	}
	want := s.prototype.ProtoReflect().Descriptor().FullName()
	if got := msg.ProtoReflect().Descriptor().FullName(); got != want {
		return nil, errspkg.Newf(errspkg.KindEncoding, "proto.encode", "payload is %s, schema expects %s", got, want)
	}

	var (
		data []byte
		err  error
	)
	if s.binary {
		data, err = proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	} else {
		data, err = protoJSONMarshalOptions.Marshal(msg)
	}
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "proto.encode", err)
	}
	return data, nil
}

func (s protoSchema) Decode(data []byte) (any, error) {
	msg := s.prototype.ProtoReflect().New().Interface()
	var err error
	if s.binary {
		err = proto.Unmarshal(data, msg)
	} else {
		err = protojson.Unmarshal(data, msg)
	}
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "proto.decode", err)
	}
	return msg, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
