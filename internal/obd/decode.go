package obd

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/obd2-logger/internal/catalog"
)

// Sample is one decoded value.
type Sample struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Decode converts raw value bytes into a physical value using d.
//
// raw is read as an unsigned integer of d.BitLength bits, most significant
// byte first unless the signal is little-endian. The result is
// raw*Scale + Offset with no further rounding.
func Decode(raw []byte, d *catalog.Descriptor) (float64, error) {
	if d == nil {
		return 0, errors.New("obd: nil signal descriptor")
	}
	if d.BitLength == 0 || d.BitLength%8 != 0 || d.BitLength > 64 {
		return 0, fmt.Errorf("%w: unsupported bit length %d", ErrMalformedPayload, d.BitLength)
	}
	if want := d.BitLength / 8; uint64(len(raw)) != want {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedPayload, len(raw), want)
	}

	var v uint64
	if d.Order == catalog.LittleEndian {
		for i := len(raw) - 1; i >= 0; i-- {
			v = v<<8 | uint64(raw[i])
		}
	} else {
		for _, b := range raw {
			v = v<<8 | uint64(b)
		}
	}
	return float64(v)*d.Scale + d.Offset, nil
}
