// Package jsoncodec is the JSON codec shared by schemas, envelopes and the
// HTTP transport. It runs on sonic in standard-library compatible mode.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}

// Valid reports whether data is a well formed JSON document.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// Normalize converts v to its generic JSON form (map[string]any, []any,
// float64, string, bool, nil). Values already in that form come back equal.
func Normalize(v any) (any, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := api.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
