package xenapi

import (
	"encoding/json"
	"fmt"
)

// DecodeRecord converts a control-API result (a decoded JSON object)
// into a typed record struct.
func DecodeRecord(result any, out any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("re-encode record: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
