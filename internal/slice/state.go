// Package slice implements the activation state machine described in
// spec.md §4.6: a waveform is Inactive until a status line names its
// short mode on some slice, then Active on that slice until the mode
// changes again. The machine only computes transitions; the caller is
// responsible for firing callbacks and starting/stopping the data plane.
package slice

// State is a waveform's activation state.
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "INACTIVE"
}

// Transition reports which edge, if any, an incoming status line caused.
type Transition int

const (
	NoTransition Transition = iota
	Activated
	Deactivated
)

// Machine tracks one waveform's activation state, keyed by its own short
// name (e.g. "FDVU"), matching the teacher's enum-driven lifecycle
// pattern (app.TrackLifecycle) rather than a generic observer graph.
type Machine struct {
	shortName string
	state     State
	sliceNum  int
}

// NewMachine constructs a Machine starting Inactive.
func NewMachine(shortName string) *Machine {
	return &Machine{shortName: shortName, state: Inactive}
}

// State returns the current activation state.
func (m *Machine) State() State {
	return m.state
}

// Slice returns the active slice index and true, or (0, false) if
// Inactive.
func (m *Machine) Slice() (int, bool) {
	if m.state == Active {
		return m.sliceNum, true
	}
	return 0, false
}

// OnSliceStatus applies one "slice <n> mode=<mode>" status line.
func (m *Machine) OnSliceStatus(sliceNum int, mode string) Transition {
	switch {
	case m.state == Inactive && mode == m.shortName:
		m.state = Active
		m.sliceNum = sliceNum
		return Activated
	case m.state == Active && m.sliceNum == sliceNum && mode != m.shortName:
		m.state = Inactive
		return Deactivated
	default:
		return NoTransition
	}
}

// Revert undoes an Activated transition just reported by OnSliceStatus,
// putting the machine back to Inactive. Used when a caller discovers,
// after the fact, that the slice this machine just claimed already
// belongs to another owner.
func (m *Machine) Revert() {
	m.state = Inactive
	m.sliceNum = 0
}

// InterlockEvent is a PTT/unkey request relayed from the radio's
// interlock subsystem.
type InterlockEvent int

const (
	PTTRequested InterlockEvent = iota
	UnkeyRequested
)

func (e InterlockEvent) String() string {
	if e == PTTRequested {
		return "PTT_REQUESTED"
	}
	return "UNKEY_REQUESTED"
}

// ParseInterlockState maps an "interlock state=" value to an event.
func ParseInterlockState(s string) (InterlockEvent, bool) {
	switch s {
	case "PTT_REQUESTED":
		return PTTRequested, true
	case "UNKEY_REQUESTED":
		return UnkeyRequested, true
	default:
		return 0, false
	}
}
