package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/flexradio/waveform-sdk/internal/logging"
)

const controlReadTimeout = 200 * time.Millisecond

// Dispatcher receives decoded control-plane events. The slice state
// machine (§4.6) and waveform/radio registry (§4.9) implement this to
// react to status lines, radio-originated commands, and connection
// metadata without the control package needing to know about either.
type Dispatcher interface {
	OnVersion(v [4]int)
	OnHandle(h uint32)
	OnStatus(handle uint32, argv []string)
	OnLog(msg string)

	// OnCommand handles one radio-originated command and returns the
	// status to report back: zero for success, nonzero for a coded
	// failure (see Conn.handleLine for the wire encoding).
	OnCommand(seq uint32, argv []string) int

	// Bootstrap issues the post-connect command sequence — subscriptions,
	// then per-waveform create/set, then meter creations — using conn,
	// which is already live so response callbacks (e.g. to populate
	// stream ids from "waveform create"'s response) can be registered.
	Bootstrap(conn *Conn) error
}

type pendingResponse struct {
	onQueued   func(code uint32, msg string)
	onResponse func(code uint32, msg string)
}

// Conn is one control-plane TCP session to a radio.
type Conn struct {
	addr       string
	dispatcher Dispatcher
	log        logging.Logger

	mu      sync.Mutex
	conn    net.Conn
	nextSeq uint32
	pending map[uint32]*pendingResponse
	version [4]int
	handle  uint32

	stop chan struct{}
}

// NewConn constructs a control-plane session that will dial addr.
func NewConn(addr string, dispatcher Dispatcher, log logging.Logger) *Conn {
	return &Conn{
		addr:       addr,
		dispatcher: dispatcher,
		log:        log,
		pending:    make(map[uint32]*pendingResponse),
		stop:       make(chan struct{}),
	}
}

// Run dials (with retry/backoff delegated to the transport library),
// issues the bootstrap sequence, then drives the read loop until the
// connection drops, Stop is called, or ctx is canceled. A nil return
// means Stop was called or ctx was canceled; any other return is an unexpected disconnect, and the caller
// must tear down already-started data-plane loops before treating the
// radio as gone, per spec.md §4.5's failure semantics.
func (c *Conn) Run(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("control: connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	if err := c.dispatcher.Bootstrap(c); err != nil {
		return fmt.Errorf("control: bootstrap: %w", err)
	}

	lr := NewLineReader(conn)
	for {
		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(controlReadTimeout)); err != nil {
			return fmt.Errorf("control: set read deadline: %w", err)
		}
		line, err := lr.ReadLine()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-c.stop:
				return nil
			default:
			}
			return fmt.Errorf("control: read: %w", err)
		}
		if line == "" {
			continue
		}
		c.handleLine(line)
	}
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var conn net.Conn
	err := backoff.Retry(func() error {
		select {
		case <-c.stop:
			return backoff.Permanent(fmt.Errorf("stopped before connect"))
		default:
		}
		d, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
		if err != nil {
			c.log.Warn("control: dial failed, retrying", logging.Field{Key: "error", Value: err})
			return err
		}
		conn = d
		return nil
	}, b)
	return conn, err
}

func (c *Conn) handleLine(line string) {
	f, err := ParseLine(line)
	if err != nil {
		c.log.Info("control: dropping malformed line", logging.Field{Key: "error", Value: err})
		return
	}

	switch f.Type {
	case FrameVersion:
		c.mu.Lock()
		c.version = f.Version
		c.mu.Unlock()
		c.dispatcher.OnVersion(f.Version)

	case FrameHandle:
		c.mu.Lock()
		c.handle = f.Handle
		c.mu.Unlock()
		c.dispatcher.OnHandle(f.Handle)

	case FrameStatus:
		argv, err := Tokenize(f.Body)
		if err != nil {
			c.log.Info("control: dropping unparseable status body", logging.Field{Key: "error", Value: err})
			return
		}
		c.dispatcher.OnStatus(f.Handle, argv)

	case FrameMessage:
		c.dispatcher.OnLog(f.Message)

	case FrameResponse:
		c.correlate(f.Sequence, f.Code, f.Message, true)

	case FrameQueued:
		c.correlate(f.Sequence, f.Code, f.Message, false)

	case FrameCommand:
		argv, err := Tokenize(f.Body)
		if err != nil {
			c.log.Info("control: dropping unparseable command body", logging.Field{Key: "error", Value: err})
			return
		}
		status := c.dispatcher.OnCommand(f.Sequence, argv)
		codeStr := "0"
		if status != 0 {
			codeStr = fmt.Sprintf("%x", uint32(status)+0x50000000)
		}
		if _, err := c.Send(fmt.Sprintf("waveform response %d|%s", f.Sequence, codeStr), nil, nil); err != nil {
			c.log.Warn("control: failed to send command response", logging.Field{Key: "error", Value: err})
		}
	}
}

// correlate resolves a pending response-queue entry. An entry is removed
// only on a final R, or on a Q that reports a nonzero code; correlations
// with no matching entry are dropped silently.
func (c *Conn) correlate(seq, code uint32, msg string, final bool) {
	c.mu.Lock()
	entry, ok := c.pending[seq]
	if ok && (final || code != 0) {
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if final {
		if entry.onResponse != nil {
			entry.onResponse(code, msg)
		}
	} else if entry.onQueued != nil {
		entry.onQueued(code, msg)
	}
}

// Send transmits an immediate command, allocating a response-queue
// entry before transmitting so a response racing the write is never
// missed. onQueued/onResponse may be nil.
func (c *Conn) Send(cmd string, onQueued, onResponse func(code uint32, msg string)) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.allocSeqLocked(onQueued, onResponse)
	if c.conn == nil {
		return seq, fmt.Errorf("control: not connected")
	}
	if _, err := c.conn.Write([]byte(EmitCommand(seq, cmd))); err != nil {
		return seq, fmt.Errorf("control: write: %w", err)
	}
	return seq, nil
}

// SendAt transmits a time-scheduled command.
func (c *Conn) SendAt(cmd string, when time.Time, onQueued, onResponse func(code uint32, msg string)) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.allocSeqLocked(onQueued, onResponse)
	if c.conn == nil {
		return seq, fmt.Errorf("control: not connected")
	}
	if _, err := c.conn.Write([]byte(EmitTimedCommand(seq, when, cmd))); err != nil {
		return seq, fmt.Errorf("control: write: %w", err)
	}
	return seq, nil
}

func (c *Conn) allocSeqLocked(onQueued, onResponse func(code uint32, msg string)) uint32 {
	seq := c.nextSeq
	c.nextSeq = (c.nextSeq + 1) & 0x7fffffff
	if onQueued != nil || onResponse != nil {
		c.pending[seq] = &pendingResponse{onQueued: onQueued, onResponse: onResponse}
	}
	return seq
}

// Version returns the last recorded protocol version.
func (c *Conn) Version() [4]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Handle returns the last recorded session handle.
func (c *Conn) Handle() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Stop signals the read loop to exit and closes the underlying
// connection to unblock any in-flight write.
func (c *Conn) Stop() {
	close(c.stop)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}
