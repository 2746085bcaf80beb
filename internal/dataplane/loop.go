// Package dataplane implements the per-slice VITA-49 UDP transport
// described in spec.md §4.2/§4.3: a single-threaded, non-blocking read
// loop that classifies and learns stream ids, and a bounded worker queue
// that runs callback dispatch off that hot path.
package dataplane

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flexradio/waveform-sdk/internal/logging"
	"github.com/flexradio/waveform-sdk/internal/rtsched"
	"github.com/flexradio/waveform-sdk/internal/vita"
)

// Handler receives packets dispatched off the read loop, already
// classified and stream-id-checked.
type Handler interface {
	HandleAudio(pkt *vita.Packet)
	HandleByte(pkt *vita.Packet)
	HandleMeter(pkt *vita.Packet)
	HandleUnknown(pkt *vita.Packet)
}

// streamSeed tracks one direction's self-seeding stream id: the first
// packet observed on it wins, and later packets with a different id are
// dropped, per spec.md §4.2.
type streamSeed struct {
	id   uint32
	seen bool
}

func (s *streamSeed) accept(id uint32) bool {
	if !s.seen {
		s.id = id
		s.seen = true
		return true
	}
	return s.id == id
}

// readTimeout bounds each blocking read so the loop can notice Stop
// without a dedicated cancellation socket.
const readTimeout = 200 * time.Millisecond

// Bind opens a UDP4 socket for one slice's data-plane traffic. localAddr
// with a zero port yields an OS-assigned ephemeral port, per spec.md
// §4.2's "waveform set udpport=0, let the OS choose" handshake.
func Bind(localAddr string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", localAddr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: resolve %q: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: listen on %q: %w", localAddr, err)
	}
	return conn, nil
}

// Loop owns one UDP socket and dispatches classified, stream-id-checked
// packets into a WorkQueue.
type Loop struct {
	conn      *net.UDPConn
	radioAddr *net.UDPAddr
	queue     *WorkQueue
	log       logging.Logger

	mu          sync.Mutex
	rxAudioIn   streamSeed
	txAudioIn   streamSeed
	rxByteIn    streamSeed
	txByteIn    streamSeed

	// OnStreamLearned fires the first time a direction's incoming stream
	// id is seeded, so the owning waveform can record it. May be nil.
	OnStreamLearned func(kind vita.Kind, tx bool, streamID uint32)

	stop chan struct{}
	done chan struct{}
}

// NewLoop constructs a Loop bound to conn, sending outbound traffic to
// radioAddr and dispatching inbound traffic through queue.
func NewLoop(conn *net.UDPConn, radioAddr *net.UDPAddr, queue *WorkQueue, log logging.Logger) *Loop {
	if err := rtsched.SetDataPlaneTOS(conn); err != nil {
		log.Warn("failed to set outbound TOS on data-plane socket, continuing unmarked",
			logging.Field{Key: "error", Value: err})
	}
	return &Loop{
		conn:      conn,
		radioAddr: radioAddr,
		queue:     queue,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// classify applies the §4.2 stream-id learning rule for audio and byte
// packets: the low bit of the stream id distinguishes TX from RX; the
// first packet seen on a direction seeds it, later mismatches are
// dropped. Packets of any other kind pass through unfiltered.
func (l *Loop) classify(pkt *vita.Packet) (accept bool) {
	var seed *streamSeed
	tx := pkt.StreamID&1 == 1

	switch pkt.Kind {
	case vita.KindAudio:
		if tx {
			seed = &l.txAudioIn
		} else {
			seed = &l.rxAudioIn
		}
	case vita.KindByte:
		if tx {
			seed = &l.txByteIn
		} else {
			seed = &l.rxByteIn
		}
	default:
		return true
	}

	l.mu.Lock()
	firstSeen := !seed.seen
	accept = seed.accept(pkt.StreamID)
	l.mu.Unlock()

	if accept && firstSeen && l.OnStreamLearned != nil {
		l.OnStreamLearned(pkt.Kind, tx, pkt.StreamID)
	}
	return accept
}

// Run drives the read loop until Stop is called or the socket errors.
// It never blocks on dispatch: a full WorkQueue drops the packet rather
// than stalling the reader.
func (l *Loop) Run(handler Handler) error {
	defer close(l.done)
	if err := rtsched.PinCurrentThread(rtsched.DataIO); err != nil {
		l.log.Warn("failed to set realtime priority for data-plane read loop, continuing at default priority",
			logging.Field{Key: "error", Value: err})
	}
	buf := make([]byte, 65536)

	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("dataplane: set read deadline: %w", err)
		}
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-l.stop:
				return nil
			default:
			}
			return fmt.Errorf("dataplane: read: %w", err)
		}

		pkt, err := vita.Parse(buf[:n])
		if err != nil {
			l.log.Warn("dropping unparseable packet", logging.Field{Key: "error", Value: err})
			continue
		}

		if !l.classify(pkt) {
			l.log.Info("dropping packet whose stream id differs from the seeded id",
				logging.Field{Key: "stream_id", Value: pkt.StreamID},
				logging.Field{Key: "kind", Value: pkt.Kind.String()})
			continue
		}

		l.dispatch(pkt, handler)
	}
}

func (l *Loop) dispatch(pkt *vita.Packet, handler Handler) {
	var task Task
	switch pkt.Kind {
	case vita.KindAudio:
		task = func() { handler.HandleAudio(pkt) }
	case vita.KindByte:
		task = func() { handler.HandleByte(pkt) }
	case vita.KindMeter:
		task = func() { handler.HandleMeter(pkt) }
	default:
		task = func() { handler.HandleUnknown(pkt) }
	}
	if err := l.queue.Enqueue(task); err != nil {
		l.log.Warn("dropping packet, worker queue full", logging.Field{Key: "kind", Value: pkt.Kind.String()})
	}
}

// Stop signals the read loop to exit and waits for it to return.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// SendAudio encodes and transmits an audio packet on streamID.
func (l *Loop) SendAudio(streamID uint32, samples []float32) error {
	pkt, err := vita.NewAudioPacket(streamID, samples)
	if err != nil {
		return err
	}
	return l.send(pkt)
}

// SendByte encodes and transmits a byte-stream packet on streamID.
func (l *Loop) SendByte(streamID uint32, data []byte) error {
	pkt, err := vita.NewBytePacket(streamID, data)
	if err != nil {
		return err
	}
	return l.send(pkt)
}

func (l *Loop) send(pkt *vita.Packet) error {
	wire, err := vita.Encode(pkt)
	if err != nil {
		return fmt.Errorf("dataplane: encode: %w", err)
	}
	return l.SendRaw(wire)
}

// SendRaw transmits already-encoded wire bytes, for callers (like the
// meter registry) that build their own vita.Packet.
func (l *Loop) SendRaw(wire []byte) error {
	if _, err := l.conn.WriteToUDP(wire, l.radioAddr); err != nil {
		return fmt.Errorf("dataplane: write: %w", err)
	}
	return nil
}

// LocalPort returns the UDP port the loop's socket is bound to, for
// reporting back to the radio via "waveform set udpport=".
func (l *Loop) LocalPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}
