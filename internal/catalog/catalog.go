// Package catalog loads signal definitions from a DBC communication database
// and exposes them by signal name and by frame identifier.
//
// A Catalog is immutable once loaded. If the database changes on disk the
// process has to be restarted.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.einride.tech/can/pkg/dbc"

	"github.com/shaunagostinho/obd2-logger/internal/can"
)

// ErrUnknownParameter is returned when a name has no signal definition.
var ErrUnknownParameter = errors.New("unknown parameter")

//go:embed obd2.dbc
var defaultDBC []byte

// DefaultName is the source name reported by the embedded database.
const DefaultName = "obd2.dbc (embedded)"

// ByteOrder is the byte order of a signal's raw value.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

func (o ByteOrder) String() string {
	if o == LittleEndian {
		return "little-endian"
	}
	return "big-endian"
}

// Descriptor is the metadata for one signal.
type Descriptor struct {
	Name      string    `json:"name"`
	FrameID   uint32    `json:"frameId"`
	Extended  bool      `json:"extended"`
	StartBit  uint64    `json:"startBit"`
	BitLength uint64    `json:"bitLength"`
	Order     ByteOrder `json:"order"`
	Scale     float64   `json:"scale"`
	Offset    float64   `json:"offset"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Unit      string    `json:"unit"`
}

type frameKey struct {
	id       uint32
	extended bool
}

// Catalog is a loaded signal database.
type Catalog struct {
	source  string
	signals map[string]*Descriptor
	frames  map[uint32][]string
	keys    []frameKey
}

// Default parses the embedded OBD-II service 01 database.
func Default() (*Catalog, error) {
	return Parse(DefaultName, defaultDBC)
}

// Load reads and parses the DBC file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse builds a Catalog from DBC source text. name is used in error
// messages only.
func Parse(name string, data []byte) (*Catalog, error) {
	p := dbc.NewParser(name, data)
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", name, err)
	}

	c := &Catalog{
		source:  name,
		signals: make(map[string]*Descriptor),
		frames:  make(map[uint32][]string),
	}
	for _, def := range p.Defs() {
		msg, ok := def.(*dbc.MessageDef)
		if !ok {
			continue
		}
		id := msg.MessageID.ToCAN()
		ext := msg.MessageID.IsExtended()
		if _, seen := c.frames[id]; !seen {
			c.keys = append(c.keys, frameKey{id: id, extended: ext})
			c.frames[id] = nil
		}
		for i := range msg.Signals {
			sig := &msg.Signals[i]
			sname := string(sig.Name)
			if prev, dup := c.signals[sname]; dup {
				return nil, fmt.Errorf("catalog: signal %s defined in frames 0x%X and 0x%X", sname, prev.FrameID, id)
			}
			order := LittleEndian
			if sig.IsBigEndian {
				order = BigEndian
			}
			c.signals[sname] = &Descriptor{
				Name:      sname,
				FrameID:   id,
				Extended:  ext,
				StartBit:  sig.StartBit,
				BitLength: sig.Size,
				Order:     order,
				Scale:     sig.Factor,
				Offset:    sig.Offset,
				Min:       sig.Minimum,
				Max:       sig.Maximum,
				Unit:      sig.Unit,
			}
			c.frames[id] = append(c.frames[id], sname)
		}
	}
	if len(c.signals) == 0 {
		return nil, fmt.Errorf("catalog: %s defines no signals", name)
	}
	return c, nil
}

// Source returns the file the catalog was loaded from.
func (c *Catalog) Source() string { return c.source }

// Lookup returns the descriptor for the named signal.
func (c *Catalog) Lookup(name string) (*Descriptor, error) {
	d, ok := c.signals[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	return d, nil
}

// ResolveFrame returns the names of the signals carried by frameID, in
// database order. The result is a copy.
func (c *Catalog) ResolveFrame(frameID uint32) []string {
	names := c.frames[frameID]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Filters returns one receive filter per message in the database.
func (c *Catalog) Filters(mask uint32) []can.Filter {
	out := make([]can.Filter, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, can.Filter{ID: k.id, Mask: mask, Extended: k.extended})
	}
	return out
}

// Names returns all signal names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.signals))
	for name := range c.signals {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
