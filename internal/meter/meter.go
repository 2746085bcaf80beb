// Package meter implements the named-meter registry described in
// spec.md §4.7/§8: radio-assigned ids, unit-specific fixed-point
// encoding, bounds checking, and coalesced VITA-49 emission.
package meter

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/flexradio/waveform-sdk/internal/vita"
)

// Unit is a meter's display unit, which determines its fixed-point radix.
type Unit string

const (
	DB      Unit = "DB"
	DBM     Unit = "DBM"
	DBFS    Unit = "DBFS"
	SWR     Unit = "SWR"
	VOLTS   Unit = "VOLTS"
	AMPS    Unit = "AMPS"
	TEMPF   Unit = "TEMP_F"
	TEMPC   Unit = "TEMP_C"
	RPM     Unit = "RPM"
	WATTS   Unit = "WATTS"
	PERCENT Unit = "PERCENT"
	NONE    Unit = "NONE"
)

// Radix returns the fixed-point shift used to encode a float value of
// this unit, per spec.md §4.7.
func (u Unit) Radix() uint {
	switch u {
	case DB, DBM, DBFS, SWR:
		return 7
	case VOLTS, AMPS:
		return 8
	case TEMPF, TEMPC:
		return 6
	default:
		return 0
	}
}

// Unset is the sentinel value meaning "nothing to send."
const Unset int32 = -1

// Meter is a single named, typed scalar streamed back to the radio.
type Meter struct {
	Name string
	Min  float32
	Max  float32
	Unit Unit
	ID   uint16 // assigned by the radio once, then immutable

	mu    sync.Mutex
	value int32
}

func (m *Meter) Value() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

var (
	ErrDuplicateName = errors.New("meter: duplicate name")
	ErrNotFound       = errors.New("meter: not found")
	ErrOutOfRange     = errors.New("meter: value out of range")
	ErrTooManySlots   = errors.New("meter: too many slots in one packet")
)

// Registry is a waveform's name->id meter table.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Meter
	order  []*Meter
}

// NewRegistry constructs an empty meter table.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Meter)}
}

// Register inserts a meter with an unset value. A duplicate name is a
// no-op that returns ErrDuplicateName; the caller is expected to log it,
// matching the original's "no-op with an error log" contract.
func (r *Registry) Register(name string, min, max float32, unit Unit) (*Meter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	m := &Meter{Name: name, Min: min, Max: max, Unit: unit, value: Unset}
	r.byName[name] = m
	r.order = append(r.order, m)
	return m, nil
}

// All returns the registered meters in registration order.
func (r *Registry) All() []*Meter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Meter, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the meter registered under name, if any.
func (r *Registry) Lookup(name string) (*Meter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byName[name]
	return m, ok
}

// AssignID records the radio-assigned meter id from a "meter create"
// response. A parse failure upstream should instead call Forget.
func (r *Registry) AssignID(name string, id uint16) error {
	m, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.ID = id
	return nil
}

// Forget removes a meter whose "meter create" response failed to parse.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return
	}
	delete(r.byName, name)
	for i, m := range r.order {
		if m.Name == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SetFloatValue range-checks and fixed-point encodes v before storing
// it; it never clamps. Out-of-range, NaN, and Inf values are rejected and leave
// the meter untouched.
func (r *Registry) SetFloatValue(name string, v float32) error {
	m, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	if v < m.Min || v > m.Max {
		return fmt.Errorf("%w: %v not in [%v,%v]", ErrOutOfRange, v, m.Min, m.Max)
	}

	// [min,max] is already enforced above, so this should only trip for a
	// unit/range pair whose radix scales a valid value past int16 - reject
	// rather than silently truncate it.
	fixed := math.Round(float64(v) * float64(int64(1)<<m.Unit.Radix()))
	if fixed > math.MaxInt16 || fixed < math.MinInt16 {
		return fmt.Errorf("%w: encoded value %v overflows int16", ErrOutOfRange, fixed)
	}

	m.mu.Lock()
	m.value = int32(int16(fixed))
	m.mu.Unlock()
	return nil
}

// SetIntValue stores a raw, already-encoded meter reading.
func (r *Registry) SetIntValue(name string, v int16) error {
	m, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.mu.Lock()
	m.value = int32(v)
	m.mu.Unlock()
	return nil
}

// BuildSendPacket composes one coalesced VITA-49 meter packet from every
// meter whose value is set, resetting each to unset as it's included.
// It returns (nil, nil) when there's nothing to send. The slot-count
// guard is checked before any meter state is mutated, so a contract
// violation never produces partial wire output.
func (r *Registry) BuildSendPacket(sequence uint8) (*vita.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var slots []vita.MeterSlot
	var toReset []*Meter
	for _, m := range r.order {
		val := m.Value()
		if val == Unset {
			continue
		}
		slots = append(slots, vita.MeterSlot{ID: m.ID, Value: int16(val)})
		toReset = append(toReset, m)
		if len(slots) >= vita.MaxMeterSlots {
			return nil, ErrTooManySlots
		}
	}
	if len(slots) == 0 {
		return nil, nil
	}

	pkt, err := vita.NewMeterPacket(sequence, slots)
	if err != nil {
		return nil, err
	}
	for _, m := range toReset {
		m.mu.Lock()
		m.value = Unset
		m.mu.Unlock()
	}
	return pkt, nil
}
