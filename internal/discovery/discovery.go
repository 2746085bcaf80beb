// Package discovery implements the broadcast radio-address listener
// described in §4.8: a UDP socket on the well-known discovery port that
// waits for one valid advertisement and decodes it into a dialable
// address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/flexradio/waveform-sdk/internal/control"
	"github.com/flexradio/waveform-sdk/internal/logging"
	"github.com/flexradio/waveform-sdk/internal/rtsched"
	"github.com/flexradio/waveform-sdk/internal/vita"
)

// Port is the well-known broadcast discovery port, shared with the
// control-plane TCP port in the reference deployment.
const Port = 4992

// ErrNotFound is returned by Listen when ctx expires before any valid
// advertisement arrives.
var ErrNotFound = errors.New("discovery: no radio advertisement received")

// Listen binds a UDP4 socket to Port with address reuse enabled and waits
// for the first packet whose class and stream id match the discovery
// advertisement, decoding its "ip=<dotted> port=<u16>" payload into a
// dialable "host:port" string. It blocks until a valid packet arrives or
// ctx is done.
func Listen(ctx context.Context, log logging.Logger) (string, error) {
	return listenOn(ctx, log, fmt.Sprintf(":%d", Port))
}

func listenOn(ctx context.Context, log logging.Logger, localAddr string) (string, error) {
	conn, err := rtsched.ListenUDPReusable(ctx, localAddr)
	if err != nil {
		return "", fmt.Errorf("discovery: listen on port %d: %w", Port, err)
	}
	defer conn.Close()

	found := make(chan string, 1)
	go readAdvertisements(conn, log, found)

	select {
	case addrStr := <-found:
		return addrStr, nil
	case <-ctx.Done():
		return "", ErrNotFound
	}
}

func readAdvertisements(conn *net.UDPConn, log logging.Logger, found chan<- string) {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		pkt, err := vita.Parse(buf[:n])
		if err != nil {
			log.Info("dropping unparseable discovery datagram", logging.Field{Key: "error", Value: err})
			continue
		}
		if pkt.PacketClass != vita.DiscoveryPacketClass || pkt.StreamID != vita.DiscoveryStreamID {
			continue
		}

		addrStr, ok := decodeAdvertisement(pkt.RawPayloadBytes())
		if !ok {
			log.Info("dropping discovery datagram with unparseable payload")
			continue
		}

		select {
		case found <- addrStr:
		default:
		}
		return
	}
}

// decodeAdvertisement parses the ASCII "key=value ..." payload into the
// "ip=<dotted> port=<u16>" pair §4.8 documents, returning them joined as
// a dialable address. Trailing NUL bytes (word-alignment padding) are
// ignored.
func decodeAdvertisement(payload []byte) (string, bool) {
	argv, err := control.Tokenize(strings.TrimRight(string(payload), "\x00"))
	if err != nil {
		return "", false
	}

	ip := control.FindKwarg(argv, "ip")
	port := control.FindKwarg(argv, "port")
	if ip == "absent" || port == "absent" {
		return "", false
	}
	return net.JoinHostPort(ip, port), true
}

// WaitTimeout is a convenience wrapper around Listen for callers that
// want a plain duration rather than an owned context.
func WaitTimeout(timeout time.Duration, log logging.Logger) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Listen(ctx, log)
}
