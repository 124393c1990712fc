//go:build !sonic

package snapshot

import (
	"github.com/goccy/go-json"
)

func jsonMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "    ")
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
