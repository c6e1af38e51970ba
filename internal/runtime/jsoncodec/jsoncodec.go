// Package jsoncodec is the single JSON entry point of the bus: message
// bodies, stored headers and saga state all go through sonic here.
package jsoncodec

import "github.com/bytedance/sonic"

// sonic.ConfigStd keeps encoding/json semantics (sorted map keys, HTML
// escaping) so bodies stay byte-stable across producers.
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
