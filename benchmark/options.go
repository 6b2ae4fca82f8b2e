package benchmark

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
)

// DecodeOptions decodes a kind's options into out, which should already hold the defaults. Unknown keys
// are an error so that a typo in the options file does not silently run with defaults.
func DecodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(options)
}

// LoadOptionsFile reads a JSON object mapping kind names to option objects.
func LoadOptionsFile(path string) (map[Kind]map[string]any, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]map[string]any{}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("decoding options file %s: %w", path, err)
	}
	out := make(map[Kind]map[string]any, len(raw))
	for name, opts := range raw {
		k := Kind(name)
		if !k.Supported() {
			return nil, fmt.Errorf("options file %s: %w: %s", path, ErrUnknownKind, name)
		}
		out[k] = opts
	}
	return out, nil
}
