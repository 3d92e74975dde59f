package can

import (
	"fmt"
	"strings"
)

// MaxDataLength is the payload capacity of a classic CAN frame.
const MaxDataLength = 8

const (
	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
)

// Frame is a single classic CAN frame.
type Frame struct {
	ID       uint32              `json:"id"`
	Length   uint8               `json:"length"`
	Data     [MaxDataLength]byte `json:"data"`
	Extended bool                `json:"extended"`
}

// Payload returns the valid data bytes of the frame.
func (f Frame) Payload() []byte {
	n := int(f.Length)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

// Validate reports whether the identifier fits its addressing mode and the
// length fits a classic frame.
func (f Frame) Validate() error {
	if f.Length > MaxDataLength {
		return fmt.Errorf("can: frame length %d exceeds %d", f.Length, MaxDataLength)
	}
	if f.Extended && f.ID > maxExtendedID {
		return fmt.Errorf("can: extended id 0x%X out of range", f.ID)
	}
	if !f.Extended && f.ID > maxStandardID {
		return fmt.Errorf("can: standard id 0x%X out of range", f.ID)
	}
	return nil
}

func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Length)
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

// Filter accepts frames whose identifier matches ID under Mask.
type Filter struct {
	ID       uint32 `json:"id"`
	Mask     uint32 `json:"mask"`
	Extended bool   `json:"extended"`
}

// Match reports whether f passes the filter.
func (flt Filter) Match(f Frame) bool {
	if flt.Extended != f.Extended {
		return false
	}
	return f.ID&flt.Mask == flt.ID&flt.Mask
}

// matchAny reports whether f passes at least one filter. An empty filter list
// accepts everything.
func matchAny(filters []Filter, f Frame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, flt := range filters {
		if flt.Match(f) {
			return true
		}
	}
	return false
}
