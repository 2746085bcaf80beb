package waveformsdk

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/flexradio/waveform-sdk/internal/control"
	"github.com/flexradio/waveform-sdk/internal/dataplane"
	"github.com/flexradio/waveform-sdk/internal/logging"
	"github.com/flexradio/waveform-sdk/internal/meter"
	"github.com/flexradio/waveform-sdk/internal/slice"
	"github.com/flexradio/waveform-sdk/internal/vita"
)

// radioDataPort is the radio's fixed VITA-49 UDP port (§6).
const radioDataPort = 4991

// WaveformConfig describes one mode a Waveform registers with the radio.
type WaveformConfig struct {
	FullName  string
	ShortName string // at most 4 characters, e.g. "FDVU"
	// Underlying is the base mode the radio multiplexes this waveform
	// under: "USB", "LSB", "DIGU", "DIGL", "CW", "AM", or "RAW".
	Underlying string
	Version    string // "maj.min.build.sub"

	// RXFilterDepth and TXFilterDepth default to 8 when zero.
	RXFilterDepth int
	TXFilterDepth int
}

func (c WaveformConfig) withDefaults() WaveformConfig {
	if c.RXFilterDepth == 0 {
		c.RXFilterDepth = 8
	}
	if c.TXFilterDepth == 0 {
		c.TXFilterDepth = 8
	}
	return c
}

// StreamIDs are the six 32-bit stream ids a Waveform's data plane uses,
// populated by the radio's "waveform create" response: incoming (also
// self-seeded from the first packet observed, per the data-plane loop)
// and outgoing for RX audio, TX audio, and the waveform's byte stream.
type StreamIDs struct {
	RXAudioIn, RXAudioOut uint32
	TXAudioIn, TXAudioOut uint32
	ByteIn, ByteOut       uint32
}

type statusCallback func(argv []string)
type commandCallback func(argv []string) int

// Waveform is one configured mode on a Radio: its callback tables,
// meter table, activation state, and (while active) data-plane loop.
type Waveform struct {
	radio *Radio
	cfg   WaveformConfig

	machine *slice.Machine
	meters  *meter.Registry

	idsMu sync.Mutex
	ids   StreamIDs

	loopMu sync.Mutex
	loop   *dataplane.Loop
	queue  *dataplane.WorkQueue

	ctxMu   sync.Mutex
	userCtx any

	cbMu               sync.Mutex
	statusCallbacks    map[string][]statusCallback
	commandCallbacks   map[string][]commandCallback
	stateCallbacks     []func(state slice.State, sliceNum int)
	interlockCallbacks []func(ev slice.InterlockEvent)
	rxAudioCallbacks   []func(samples []float32)
	txAudioCallbacks   []func(samples []float32)
	rxByteCallbacks    []func(data []byte)
	txByteCallbacks    []func(data []byte)
	unknownCallbacks   []func(pkt *vita.Packet)
}

func newWaveform(radio *Radio, cfg WaveformConfig) *Waveform {
	cfg = cfg.withDefaults()
	return &Waveform{
		radio:            radio,
		cfg:              cfg,
		machine:          slice.NewMachine(cfg.ShortName),
		meters:           meter.NewRegistry(),
		statusCallbacks:  make(map[string][]statusCallback),
		commandCallbacks: make(map[string][]commandCallback),
	}
}

// ShortName returns the waveform's short mode name.
func (w *Waveform) ShortName() string { return w.cfg.ShortName }

// FullName returns the waveform's full display name.
func (w *Waveform) FullName() string { return w.cfg.FullName }

// State returns the waveform's current activation state.
func (w *Waveform) State() slice.State { return w.machine.State() }

// ActiveSlice returns the slice index this waveform is currently bound
// to, or (0, false) if it's Inactive.
func (w *Waveform) ActiveSlice() (int, bool) { return w.machine.Slice() }

// StreamIDs returns a snapshot of the waveform's learned/assigned
// stream ids.
func (w *Waveform) StreamIDs() StreamIDs {
	w.idsMu.Lock()
	defer w.idsMu.Unlock()
	return w.ids
}

// Meters returns the waveform's registered meters, in registration
// order, for read-only introspection.
func (w *Waveform) Meters() []*meter.Meter {
	return w.meters.All()
}

// SetContext associates an opaque value with this waveform, retrievable
// from within any of its callbacks via Context.
func (w *Waveform) SetContext(ctx any) {
	w.ctxMu.Lock()
	w.userCtx = ctx
	w.ctxMu.Unlock()
}

// Context returns the value set by SetContext, or nil.
func (w *Waveform) Context() any {
	w.ctxMu.Lock()
	defer w.ctxMu.Unlock()
	return w.userCtx
}

// OnStatus registers fn to run for every status line whose first token
// equals key, across the whole lifetime of the waveform.
func (w *Waveform) OnStatus(key string, fn func(argv []string)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.statusCallbacks[key] = append(w.statusCallbacks[key], fn)
}

// OnCommand registers fn as a handler for radio-originated commands
// whose verb equals name. fn's return value becomes the response code
// reported back to the radio (zero for success).
func (w *Waveform) OnCommand(name string, fn func(argv []string) int) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.commandCallbacks[name] = append(w.commandCallbacks[name], fn)
}

// OnState registers fn to run on every activation-state transition.
func (w *Waveform) OnState(fn func(state slice.State, sliceNum int)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.stateCallbacks = append(w.stateCallbacks, fn)
}

// OnInterlock registers fn to run on PTT/unkey interlock events while
// this waveform is active.
func (w *Waveform) OnInterlock(fn func(ev slice.InterlockEvent)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.interlockCallbacks = append(w.interlockCallbacks, fn)
}

// OnRXAudio and OnTXAudio register fn for received RX and TX audio
// packets respectively, decoded into interleaved float32 sample pairs.
func (w *Waveform) OnRXAudio(fn func(samples []float32)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.rxAudioCallbacks = append(w.rxAudioCallbacks, fn)
}
func (w *Waveform) OnTXAudio(fn func(samples []float32)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.txAudioCallbacks = append(w.txAudioCallbacks, fn)
}

// OnRXByte and OnTXByte register fn for received RX and TX byte-stream
// packets.
func (w *Waveform) OnRXByte(fn func(data []byte)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.rxByteCallbacks = append(w.rxByteCallbacks, fn)
}
func (w *Waveform) OnTXByte(fn func(data []byte)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.txByteCallbacks = append(w.txByteCallbacks, fn)
}

// OnUnknown registers fn for data-plane packets that classify as
// neither audio, byte, nor meter.
func (w *Waveform) OnUnknown(fn func(pkt *vita.Packet)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.unknownCallbacks = append(w.unknownCallbacks, fn)
}

// RegisterMeter adds a named meter to this waveform. The radio assigns
// its id once the control-plane session issues "meter create" during
// Radio.Start.
func (w *Waveform) RegisterMeter(name string, min, max float32, unit meter.Unit) (*meter.Meter, error) {
	return w.meters.Register(name, min, max, unit)
}

// SendRXAudio and SendTXAudio encode and transmit an audio packet on the
// corresponding outgoing stream id. ErrNotConnected if the data plane
// isn't up (the waveform isn't currently active).
func (w *Waveform) SendRXAudio(samples []float32) error {
	return w.sendAudio(samples, false)
}
func (w *Waveform) SendTXAudio(samples []float32) error {
	return w.sendAudio(samples, true)
}

func (w *Waveform) sendAudio(samples []float32, tx bool) error {
	loop, err := w.activeLoop()
	if err != nil {
		return err
	}
	id := w.StreamIDs().RXAudioOut
	if tx {
		id = w.StreamIDs().TXAudioOut
	}
	return loop.SendAudio(id, samples)
}

// SendRXByte and SendTXByte encode and transmit a byte-stream packet.
// Both send on the single outgoing byte stream id, StreamIDs().ByteOut;
// there is no separate RX/TX outgoing byte id.
func (w *Waveform) SendRXByte(data []byte) error {
	return w.sendByte(data, false)
}
func (w *Waveform) SendTXByte(data []byte) error {
	return w.sendByte(data, true)
}

func (w *Waveform) sendByte(data []byte, _ bool) error {
	loop, err := w.activeLoop()
	if err != nil {
		return err
	}
	return loop.SendByte(w.StreamIDs().ByteOut, data)
}

// SendMeters flushes every meter with a pending value as one coalesced
// VITA-49 packet, per §4.7.
func (w *Waveform) SendMeters(sequence uint8) error {
	loop, err := w.activeLoop()
	if err != nil {
		return err
	}
	pkt, err := w.meters.BuildSendPacket(sequence)
	if err != nil {
		return fmt.Errorf("waveformsdk: build meter packet: %w", err)
	}
	if pkt == nil {
		return nil
	}
	wire, err := vita.Encode(pkt)
	if err != nil {
		return fmt.Errorf("waveformsdk: encode meter packet: %w", err)
	}
	return loop.SendRaw(wire)
}

func (w *Waveform) activeLoop() (*dataplane.Loop, error) {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()
	if w.loop == nil {
		return nil, ErrNotConnected
	}
	return w.loop, nil
}

// --- dataplane.Handler ---

func (w *Waveform) HandleAudio(pkt *vita.Packet) {
	samples, err := pkt.AudioSamples()
	if err != nil {
		w.radio.log.Warn("dropping malformed audio packet")
		return
	}
	tx := pkt.StreamID&1 == 1
	w.cbMu.Lock()
	cbs := w.rxAudioCallbacks
	if tx {
		cbs = w.txAudioCallbacks
	}
	cbs = append([]func([]float32){}, cbs...)
	w.cbMu.Unlock()
	for _, fn := range cbs {
		fn(samples)
	}
}

func (w *Waveform) HandleByte(pkt *vita.Packet) {
	tx := pkt.StreamID&1 == 1
	w.cbMu.Lock()
	cbs := w.rxByteCallbacks
	if tx {
		cbs = w.txByteCallbacks
	}
	cbs = append([]func([]byte){}, cbs...)
	w.cbMu.Unlock()
	for _, fn := range cbs {
		fn(pkt.ByteData)
	}
}

func (w *Waveform) HandleMeter(pkt *vita.Packet) {
	// Meter packets only ever flow outbound from this waveform; an
	// inbound one has no counterpart to update.
}

func (w *Waveform) HandleUnknown(pkt *vita.Packet) {
	w.cbMu.Lock()
	cbs := append([]func(*vita.Packet){}, w.unknownCallbacks...)
	w.cbMu.Unlock()
	for _, fn := range cbs {
		fn(pkt)
	}
}

// applyStreamIDs parses a "waveform create" response body — six
// whitespace-separated key=value tokens — into this waveform's
// StreamIDs, per §3/§4.5.
func (w *Waveform) applyStreamIDs(body string) {
	argv, err := control.Tokenize(body)
	if err != nil {
		w.radio.log.Warn("unparseable waveform create response", logging.Field{Key: "error", Value: err})
		return
	}

	parse := func(key string) uint32 {
		v, err := control.FindKwargAsInt(argv, key)
		if err != nil {
			return 0
		}
		return uint32(v)
	}

	w.idsMu.Lock()
	w.ids = StreamIDs{
		RXAudioIn:  parse("rx_stream_id"),
		RXAudioOut: parse("rx_stream_id_out"),
		TXAudioIn:  parse("tx_stream_id"),
		TXAudioOut: parse("tx_stream_id_out"),
		ByteIn:     parse("byte_stream_id"),
		ByteOut:    parse("byte_stream_id_out"),
	}
	w.idsMu.Unlock()
}

// recordLearnedStreamID updates the corresponding incoming StreamIDs
// field when the data-plane loop self-seeds a direction, per §4.2's
// lazy-learning tolerance for stream ids that arrive empty from a
// still-pending "waveform create" response.
func (w *Waveform) recordLearnedStreamID(kind vita.Kind, tx bool, streamID uint32) {
	w.idsMu.Lock()
	switch kind {
	case vita.KindAudio:
		if tx {
			w.ids.TXAudioIn = streamID
		} else {
			w.ids.RXAudioIn = streamID
		}
	case vita.KindByte:
		w.ids.ByteIn = streamID
	}
	w.idsMu.Unlock()
}

// activate brings up the data-plane loop for this waveform's slice and
// informs the radio of the chosen local port, per §4.2/§4.6.
func (w *Waveform) activate(r *Radio, sliceNum int) error {
	host, _, err := net.SplitHostPort(r.addr)
	if err != nil {
		host = r.addr
	}
	radioAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(radioDataPort)))
	if err != nil {
		return fmt.Errorf("waveformsdk: resolve radio data address: %w", err)
	}

	conn, err := dataplane.Bind(":0")
	if err != nil {
		return fmt.Errorf("waveformsdk: bind data socket: %w", err)
	}
	queue := dataplane.NewWorkQueue(dataQueueSize)
	loop := dataplane.NewLoop(conn, radioAddr, queue, r.log)
	loop.OnStreamLearned = w.recordLearnedStreamID

	w.loopMu.Lock()
	w.loop = loop
	w.queue = queue
	w.loopMu.Unlock()

	go func() {
		if err := loop.Run(w); err != nil {
			r.log.Warn("data-plane loop exited", logging.Field{Key: "waveform", Value: w.cfg.ShortName}, logging.Field{Key: "error", Value: err})
		}
	}()

	port := loop.LocalPort()
	if _, err := r.conn.Send(fmt.Sprintf("waveform set %s udpport=%d", w.cfg.ShortName, port), nil, nil); err != nil {
		return fmt.Errorf("waveformsdk: report udpport: %w", err)
	}
	if _, err := r.conn.Send(fmt.Sprintf("client udpport %d", port), nil, nil); err != nil {
		return fmt.Errorf("waveformsdk: report client udpport: %w", err)
	}
	return nil
}

// deactivate tears down the data-plane loop, if one is running. Safe to
// call when already inactive.
func (w *Waveform) deactivate() {
	w.loopMu.Lock()
	loop := w.loop
	queue := w.queue
	w.loop = nil
	w.queue = nil
	w.loopMu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	if queue != nil {
		queue.Stop()
	}
}

func (w *Waveform) enqueue(fn func()) {
	w.loopMu.Lock()
	queue := w.queue
	w.loopMu.Unlock()
	if queue == nil {
		fn()
		return
	}
	if err := queue.Enqueue(fn); err != nil {
		w.radio.log.Warn("dropping callback dispatch, worker queue full", logging.Field{Key: "waveform", Value: w.cfg.ShortName})
	}
}

func (w *Waveform) dispatchStatus(key string, argv []string) {
	w.cbMu.Lock()
	cbs := append([]statusCallback{}, w.statusCallbacks[key]...)
	w.cbMu.Unlock()
	for _, fn := range cbs {
		w.enqueue(func() { fn(argv) })
	}
}

func (w *Waveform) dispatchState(state slice.State, sliceNum int) {
	w.cbMu.Lock()
	cbs := append([]func(slice.State, int){}, w.stateCallbacks...)
	w.cbMu.Unlock()
	for _, fn := range cbs {
		w.enqueue(func() { fn(state, sliceNum) })
	}
}

func (w *Waveform) dispatchInterlock(ev slice.InterlockEvent) {
	w.cbMu.Lock()
	cbs := append([]func(slice.InterlockEvent){}, w.interlockCallbacks...)
	w.cbMu.Unlock()
	for _, fn := range cbs {
		fn(ev)
	}
}

// dispatchCommand runs every registered callback matching verb
// synchronously and returns the last non-zero status, per §4.5's
// "finds all command callbacks whose name equals the verb" contract.
func (w *Waveform) dispatchCommand(verb string, argv []string) int {
	w.cbMu.Lock()
	cbs := append([]commandCallback{}, w.commandCallbacks[verb]...)
	w.cbMu.Unlock()

	status := 0
	for _, fn := range cbs {
		if s := fn(argv); s != 0 {
			status = s
		}
	}
	return status
}
