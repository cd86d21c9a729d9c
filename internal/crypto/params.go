package crypto

import (
	"encoding/json"
	"fmt"
)

// validator is implemented by parameter records that have required fields.
type validator interface {
	validate() error
}

// decodeParams converts an opaque map (a key configuration or a ciphertext
// payload) into a typed record. Unknown fields are ignored; required fields
// are enforced by the record's validate method.
func decodeParams(src map[string]any, dst any) error {
	if src == nil {
		return fmt.Errorf("parameters are missing")
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	if v, ok := dst.(validator); ok {
		return v.validate()
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("required field %q is missing", name)
	}
	return nil
}
