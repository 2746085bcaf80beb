// Package rtsched wraps the OS scheduling and socket-priority syscalls
// spec.md §5 asks for: best-effort SCHED_FIFO pinning for the data-plane
// read/worker threads, SO_REUSEADDR for the discovery listener, and TOS
// marking on outbound VITA-49 datagrams. None of this has a stdlib API,
// so it goes directly through golang.org/x/sys/unix and
// golang.org/x/net/ipv4, degrading to a logged no-op wherever the
// process lacks the privilege to apply it.
package rtsched

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Priority is the relative realtime FIFO priority spec.md §5 assigns to
// each pinned thread. DataIO is a fixed FIFO priority of 50, not the
// platform's maximum; DataWorker runs 8 below it.
type Priority int

const (
	DataIO     Priority = 50
	DataWorker Priority = DataIO - 8
)

// PinCurrentThread locks the calling goroutine to its OS thread and
// attempts to raise it to SCHED_FIFO at the given priority. A non-nil
// error (typically a permissions error under an unprivileged user) is
// the caller's cue to log and continue at the default scheduling class,
// per spec.md §5's "degrade gracefully" instruction.
func PinCurrentThread(prio Priority) error {
	runtime.LockOSThread()

	tid := unix.Gettid()
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(prio),
	}
	if err := unix.SchedSetAttr(tid, attr, 0); err != nil {
		return fmt.Errorf("rtsched: SchedSetAttr: %w", err)
	}
	return nil
}

// ListenUDPReusable binds a UDP socket with SO_REUSEADDR and SO_REUSEPORT
// applied before bind, via net.ListenConfig's Control hook — setting
// either option on an already-bound socket (e.g. after net.ListenUDP)
// has no effect. This lets multiple processes share the well-known
// discovery port, per spec.md §4.8.
func ListenUDPReusable(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("rtsched: listen: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("rtsched: unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// dataPlaneTOS is the DSCP/TOS byte marked on outbound VITA-49 audio and
// byte datagrams, matching the expedited-forwarding class realtime media
// traffic conventionally uses.
const dataPlaneTOS = 0xb8

// SetDataPlaneTOS marks conn's outbound packets for QoS-aware routing.
// Best-effort: some platforms/containers reject IP_TOS, so a failure is
// returned for the caller to log rather than treated as fatal.
func SetDataPlaneTOS(conn *net.UDPConn) error {
	pc := ipv4.NewConn(conn)
	if err := pc.SetTOS(dataPlaneTOS); err != nil {
		return fmt.Errorf("rtsched: set TOS: %w", err)
	}
	return nil
}
