// Package jsoncodec centralises JSON encoding on top of sonic so the whole
// runtime serialises requests, responses and envelopes the same way.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// ConfigStd sorts map keys, which keeps Marshal output stable enough to be
// hashed into cache fingerprints.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// Normalize round-trips v through JSON and returns the generic representation
// (maps, slices, float64, string, bool, nil). Used before converting arbitrary
// handler results into protobuf Struct values.
func Normalize(v any) (any, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
