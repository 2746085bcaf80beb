package waveformsdk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/flexradio/waveform-sdk/internal/control"
	"github.com/flexradio/waveform-sdk/internal/logging"
	"github.com/flexradio/waveform-sdk/internal/slice"
)

// dataQueueSize bounds the per-waveform worker queue (§4.3); the consumer
// runs at the data-worker realtime priority, 8 below the read loop.
const dataQueueSize = 256

// Radio is one control-plane session and the set of waveforms registered
// to run on it. Waveforms must be added with NewWaveform before Start;
// mutating the set after Start is undefined, per spec.md §4.9.
type Radio struct {
	addr string
	log  logging.Logger

	mu        sync.Mutex
	waveforms []*Waveform
	started   bool
	conn      *control.Conn
	cancel    context.CancelFunc
	runErr    chan error

	connected atomic.Bool
}

// Address returns the control-plane address this radio dials.
func (r *Radio) Address() string { return r.addr }

// Connected reports whether the control-plane session has an
// acknowledged handle from the radio and hasn't been torn down since.
func (r *Radio) Connected() bool { return r.connected.Load() }

// NewRadio constructs a Radio that will dial addr (host:port, control
// TCP port, typically 4992) when Start is called.
func NewRadio(addr string, opts ...RadioOption) *Radio {
	r := &Radio{addr: addr, log: logging.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RadioOption configures optional Radio construction parameters.
type RadioOption func(*Radio)

// WithLogger overrides the logger used for this radio's control and
// data-plane diagnostics.
func WithLogger(log logging.Logger) RadioOption {
	return func(r *Radio) { r.log = log }
}

// NewWaveform registers a new waveform on this radio. Must be called
// before Start.
func (r *Radio) NewWaveform(cfg WaveformConfig) *Waveform {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := newWaveform(r, cfg)
	r.waveforms = append(r.waveforms, w)
	return w
}

// Waveforms returns the waveforms registered on this radio.
func (r *Radio) Waveforms() []*Waveform {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Waveform, len(r.waveforms))
	copy(out, r.waveforms)
	return out
}

// Start dials the radio and runs the control-plane loop in a background
// goroutine. ctx's cancellation stops the session; the result is
// observable via Wait.
func (r *Radio) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("waveformsdk: radio already started")
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.runErr = make(chan error, 1)
	conn := control.NewConn(r.addr, r, r.log)
	r.conn = conn
	r.mu.Unlock()

	go func() { r.runErr <- conn.Run(runCtx) }()
	return nil
}

// Wait blocks until the control-plane session ends and returns its
// terminal error (nil if stopped deliberately via Close).
func (r *Radio) Wait() error {
	r.mu.Lock()
	ch := r.runErr
	r.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("waveformsdk: radio not started")
	}
	err := <-ch
	r.teardownWaveforms()
	return err
}

// Close stops the control-plane session and every active waveform's
// data-plane loop.
func (r *Radio) Close() {
	r.mu.Lock()
	conn := r.conn
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Stop()
	}
	r.teardownWaveforms()
}

func (r *Radio) teardownWaveforms() {
	r.connected.Store(false)
	for _, w := range r.Waveforms() {
		w.deactivate()
	}
}

// --- control.Dispatcher ---

func (r *Radio) OnVersion(v [4]int) {
	r.log.Info("radio version", logging.Field{Key: "version", Value: v})
}

func (r *Radio) OnHandle(h uint32) {
	r.log.Info("radio session handle", logging.Field{Key: "handle", Value: h})
	r.connected.Store(true)
}

func (r *Radio) OnLog(msg string) {
	r.log.Info("radio log", logging.Field{Key: "message", Value: msg})
}

// Bootstrap issues the post-connect sequence from spec.md §4.5: the
// radio-wide subscriptions once, then per-waveform create/set, then
// meter creations, using conn's response callbacks to populate stream
// ids and meter ids as the radio acknowledges each command.
func (r *Radio) Bootstrap(conn *control.Conn) error {
	for _, cmd := range []string{"sub slice all", "sub radio all", "sub client all"} {
		if _, err := conn.Send(cmd, nil, nil); err != nil {
			return err
		}
	}

	for _, w := range r.Waveforms() {
		if err := r.bootstrapWaveform(conn, w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Radio) bootstrapWaveform(conn *control.Conn, w *Waveform) error {
	createCmd := fmt.Sprintf("waveform create name=%s mode=%s underlying_mode=%s version=%s",
		w.cfg.FullName, w.cfg.ShortName, w.cfg.Underlying, w.cfg.Version)
	if _, err := conn.Send(createCmd, nil, func(code uint32, msg string) {
		if code != 0 {
			r.log.Warn("waveform create failed", logging.Field{Key: "waveform", Value: w.cfg.ShortName}, logging.Field{Key: "code", Value: code})
			return
		}
		w.applyStreamIDs(msg)
	}); err != nil {
		return err
	}

	cmds := []string{
		fmt.Sprintf("waveform set %s tx=1", w.cfg.ShortName),
		fmt.Sprintf("waveform set %s rx_filter depth=%d", w.cfg.ShortName, w.cfg.RXFilterDepth),
		fmt.Sprintf("waveform set %s tx_filter depth=%d", w.cfg.ShortName, w.cfg.TXFilterDepth),
	}
	for _, cmd := range cmds {
		if _, err := conn.Send(cmd, nil, nil); err != nil {
			return err
		}
	}

	for _, m := range w.meters.All() {
		meterCmd := fmt.Sprintf("meter create name=%s type=WAVEFORM min=%v max=%v unit=%s fps=20", m.Name, m.Min, m.Max, m.Unit)
		name := m.Name
		if _, err := conn.Send(meterCmd, nil, func(code uint32, msg string) {
			if code != 0 {
				w.meters.Forget(name)
				r.log.Warn("meter create failed", logging.Field{Key: "meter", Value: name}, logging.Field{Key: "code", Value: code})
				return
			}
			id, err := strconv.ParseUint(strings.TrimSpace(msg), 10, 16)
			if err != nil {
				w.meters.Forget(name)
				r.log.Warn("meter create response unparseable", logging.Field{Key: "meter", Value: name}, logging.Field{Key: "error", Value: err})
				return
			}
			if err := w.meters.AssignID(name, uint16(id)); err != nil {
				r.log.Warn("meter id assignment failed", logging.Field{Key: "meter", Value: name}, logging.Field{Key: "error", Value: err})
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnStatus applies the §4.6 slice/interlock side effects, then fans the
// line out to every waveform's matching registered status callbacks.
func (r *Radio) OnStatus(handle uint32, argv []string) {
	if len(argv) == 0 {
		return
	}
	switch argv[0] {
	case "slice":
		r.handleSliceStatus(argv)
	case "interlock":
		r.handleInterlockStatus(argv)
	}

	key := argv[0]
	for _, w := range r.Waveforms() {
		w.dispatchStatus(key, argv)
	}
}

func (r *Radio) handleSliceStatus(argv []string) {
	if len(argv) < 2 {
		return
	}
	n, err := strconv.Atoi(argv[1])
	if err != nil {
		return
	}
	mode := control.FindKwarg(argv, "mode")
	if mode == "absent" {
		return
	}

	waveforms := r.Waveforms()
	for _, w := range waveforms {
		switch w.machine.OnSliceStatus(n, mode) {
		case slice.Activated:
			if busy := r.sliceOwner(waveforms, n, w); busy != nil {
				w.machine.Revert()
				r.log.Warn("slice already active under another waveform",
					logging.Field{Key: "waveform", Value: w.cfg.ShortName},
					logging.Field{Key: "owner", Value: busy.cfg.ShortName},
					logging.Field{Key: "error", Value: ErrSliceBusy})
				continue
			}
			if err := w.activate(r, n); err != nil {
				r.log.Warn("failed to activate data plane", logging.Field{Key: "waveform", Value: w.cfg.ShortName}, logging.Field{Key: "error", Value: err})
				continue
			}
			w.dispatchState(slice.Active, n)
		case slice.Deactivated:
			w.deactivate()
			w.dispatchState(slice.Inactive, n)
		}
	}
}

// sliceOwner returns the already-active waveform (other than exclude) that
// owns sliceNum, if any. Two waveforms registered under the same short
// name can both match a single status line's mode; only the first to
// activate keeps the slice.
func (r *Radio) sliceOwner(waveforms []*Waveform, sliceNum int, exclude *Waveform) *Waveform {
	for _, w := range waveforms {
		if w == exclude {
			continue
		}
		if n, ok := w.machine.Slice(); ok && n == sliceNum {
			return w
		}
	}
	return nil
}

func (r *Radio) handleInterlockStatus(argv []string) {
	state := control.FindKwarg(argv, "state")
	ev, ok := slice.ParseInterlockState(state)
	if !ok {
		return
	}
	for _, w := range r.Waveforms() {
		if w.machine.State() == slice.Active {
			w.dispatchInterlock(ev)
		}
	}
}

// OnCommand dispatches a radio-originated command to every active
// waveform whose active slice equals the body's slice number, per §4.5.
func (r *Radio) OnCommand(seq uint32, argv []string) int {
	if len(argv) < 3 {
		r.log.Info("dropping malformed radio-originated command", logging.Field{Key: "argv", Value: argv})
		return 0
	}
	n, err := strconv.Atoi(argv[1])
	if err != nil {
		return 0
	}
	verb := argv[2]
	rest := argv[3:]

	status := 0
	for _, w := range r.Waveforms() {
		sliceNum, ok := w.machine.Slice()
		if !ok || sliceNum != n {
			continue
		}
		if s := w.dispatchCommand(verb, rest); s != 0 {
			status = s
		}
	}
	return status
}
