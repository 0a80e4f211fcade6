package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Bytes is a byte buffer argument. On the wire it is either a base64 string
// (how encoding/json writes []byte) or an array of numbers, each truncated to
// its low 8 bits.
type Bytes []byte

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	switch data[0] {
	case '"':
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("bytes: %w", err)
		}
		*b = raw
		return nil
	case '[':
		var nums []json.Number
		if err := json.Unmarshal(data, &nums); err != nil {
			return fmt.Errorf("bytes: %w", err)
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			v, err := n.Int64()
			if err != nil {
				f, ferr := n.Float64()
				if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
					return fmt.Errorf("bytes: element %d: %q is not an integer", i, n)
				}
				v = int64(f)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	}
	return fmt.Errorf("bytes: expected base64 string or array of integers")
}
