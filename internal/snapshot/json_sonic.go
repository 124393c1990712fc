//go:build sonic

package snapshot

import (
	"github.com/bytedance/sonic"
)

// jsonMarshalIndent uses sonic.ConfigStd, which sorts map keys so state.json
// stays diffable between runs.
func jsonMarshalIndent(v any) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(v, "", "    ")
}

func jsonUnmarshal(data []byte, v any) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}
