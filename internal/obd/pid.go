// Package obd implements the OBD-II service 01 request/response cycle and the
// decoding of raw signal bytes into physical values.
package obd

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaunagostinho/obd2-logger/internal/can"
	"github.com/shaunagostinho/obd2-logger/internal/catalog"
)

const (
	// RequestID is the functional (broadcast) diagnostic request address.
	RequestID = 0x7DF
	// FilterMask matches a full 11-bit identifier.
	FilterMask = 0x7FF

	// ServiceCurrentData is service 01, show current data.
	ServiceCurrentData = 0x01
	// PositiveResponse is the service 01 echo in a positive response.
	PositiveResponse = ServiceCurrentData + 0x40
	// NegativeResponse is the service id of a negative response.
	NegativeResponse = 0x7F

	// valueOffset is the index of the first value byte in a response.
	valueOffset = 3
	// maxValueBytes is the room for value bytes in a single frame.
	maxValueBytes = can.MaxDataLength - valueOffset
)

// PID is a service 01 parameter identifier.
type PID byte

func (p PID) String() string { return fmt.Sprintf("0x%02X", byte(p)) }

// Entry maps a parameter name to its PID.
type Entry struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	PID  PID    `yaml:"pid" toml:"pid" json:"pid"`
}

// DefaultTable is the polling set used when none is configured.
var DefaultTable = []Entry{
	{Name: "S01PID0D_VehicleSpeed", PID: 0x0D},
	{Name: "S01PID0C_EngineRPM", PID: 0x0C},
	{Name: "S01PID11_ThrottlePosition", PID: 0x11},
}

// Parameter is a polled quantity bound to its signal definition.
type Parameter struct {
	Name   string
	PID    PID
	Signal *catalog.Descriptor
}

// Catalog is the lookup the binder needs; *catalog.Catalog satisfies it.
type Catalog interface {
	Lookup(name string) (*catalog.Descriptor, error)
}

// Bind resolves each table entry against cat, keeping table order.
// It fails on names missing from the catalog, duplicate names or PIDs, and
// signals that cannot be carried in a single response frame.
func Bind(table []Entry, cat Catalog) ([]Parameter, error) {
	if len(table) == 0 {
		return nil, errors.New("obd: at least one parameter required")
	}
	names := make(map[string]bool, len(table))
	pids := make(map[PID]string, len(table))
	out := make([]Parameter, 0, len(table))
	for _, e := range table {
		if e.Name == "" {
			return nil, fmt.Errorf("obd: parameter with PID %s has no name", e.PID)
		}
		if names[e.Name] {
			return nil, fmt.Errorf("obd: duplicate parameter %s", e.Name)
		}
		if other, dup := pids[e.PID]; dup {
			return nil, fmt.Errorf("obd: PID %s used by both %s and %s", e.PID, other, e.Name)
		}
		d, err := cat.Lookup(e.Name)
		if err != nil {
			return nil, fmt.Errorf("obd: %w", err)
		}
		if err := checkSignal(d); err != nil {
			return nil, fmt.Errorf("obd: %s: %w", e.Name, err)
		}
		names[e.Name] = true
		pids[e.PID] = e.Name
		out = append(out, Parameter{Name: e.Name, PID: e.PID, Signal: d})
	}
	return out, nil
}

func checkSignal(d *catalog.Descriptor) error {
	switch {
	case d.BitLength == 0 || d.BitLength%8 != 0:
		return fmt.Errorf("bit length %d is not a positive multiple of 8", d.BitLength)
	case d.BitLength/8 > maxValueBytes:
		return fmt.Errorf("bit length %d exceeds the %d value bytes of a frame", d.BitLength, maxValueBytes)
	}
	return nil
}

// NewRequest builds the service 01 request frame for pid.
func NewRequest(id uint32, pid PID) can.Frame {
	f := can.Frame{ID: id, Length: can.MaxDataLength}
	f.Data[0] = 0x02
	f.Data[1] = ServiceCurrentData
	f.Data[2] = byte(pid)
	return f
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
