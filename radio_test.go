package waveformsdk

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexradio/waveform-sdk/internal/slice"
)

func startFakeRadio(t *testing.T) (net.Listener, chan net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	return ln, accepted
}

func TestRadioBootstrapIssuesSubscriptionsAndWaveformCreate(t *testing.T) {
	ln, accepted := startFakeRadio(t)
	defer ln.Close()

	radio := NewRadio(ln.Addr().String())
	wf := radio.NewWaveform(WaveformConfig{
		FullName: "FreeDV", ShortName: "FDVU", Underlying: "USB", Version: "1.0.0.0",
	})
	require.Equal(t, slice.Inactive, wf.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, radio.Start(ctx))

	radioConn := <-accepted
	defer radioConn.Close()
	r := bufio.NewReader(radioConn)

	wantPrefixes := []string{
		"C0|sub slice all",
		"C1|sub radio all",
		"C2|sub client all",
		"C3|waveform create name=FreeDV mode=FDVU underlying_mode=USB version=1.0.0.0",
		"C4|waveform set FDVU tx=1",
		"C5|waveform set FDVU rx_filter depth=8",
		"C6|waveform set FDVU tx_filter depth=8",
	}
	for _, want := range wantPrefixes {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Contains(t, line, want)
	}

	radio.Close()
}

func TestRadioActivatesWaveformOnMatchingSliceStatus(t *testing.T) {
	ln, accepted := startFakeRadio(t)
	defer ln.Close()

	radio := NewRadio(ln.Addr().String())
	wf := radio.NewWaveform(WaveformConfig{
		FullName: "FreeDV", ShortName: "FDVU", Underlying: "USB", Version: "1.0.0.0",
	})

	var gotState slice.State
	var gotSlice int
	stateCh := make(chan struct{}, 1)
	wf.OnState(func(state slice.State, sliceNum int) {
		gotState, gotSlice = state, sliceNum
		stateCh <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, radio.Start(ctx))

	radioConn := <-accepted
	defer radioConn.Close()
	r := bufio.NewReader(radioConn)

	// drain the bootstrap commands (no meters registered, 7 lines)
	for i := 0; i < 7; i++ {
		_, err := r.ReadString('\n')
		require.NoError(t, err)
	}

	_, err := radioConn.Write([]byte("S2A000001|slice 3 mode=FDVU\n"))
	require.NoError(t, err)

	select {
	case <-stateCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state callback")
	}
	require.Equal(t, slice.Active, gotState)
	require.Equal(t, 3, gotSlice)
	require.Equal(t, slice.Active, wf.State())

	// the waveform reports its chosen UDP port back to the radio
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "waveform set FDVU udpport=")
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "client udpport ")

	_, err = radioConn.Write([]byte("S2A000001|slice 3 mode=USB\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return wf.State() == slice.Inactive }, time.Second, 5*time.Millisecond)

	radio.Close()
}

func TestRadioDispatchesOriginatedCommandToActiveWaveform(t *testing.T) {
	ln, accepted := startFakeRadio(t)
	defer ln.Close()

	radio := NewRadio(ln.Addr().String())
	wf := radio.NewWaveform(WaveformConfig{
		FullName: "FreeDV", ShortName: "FDVU", Underlying: "USB", Version: "1.0.0.0",
	})

	commandCh := make(chan []string, 1)
	wf.OnCommand("set", func(argv []string) int {
		commandCh <- argv
		return 9
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, radio.Start(ctx))

	radioConn := <-accepted
	defer radioConn.Close()
	r := bufio.NewReader(radioConn)
	for i := 0; i < 7; i++ {
		_, err := r.ReadString('\n')
		require.NoError(t, err)
	}

	_, err := radioConn.Write([]byte("S2A000001|slice 1 mode=FDVU\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return wf.State() == slice.Active }, time.Second, 5*time.Millisecond)
	// drain the udpport/client lines emitted on activation
	_, err = r.ReadString('\n')
	require.NoError(t, err)
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	_, err = radioConn.Write([]byte("C50|slice 1 set foo=bar\n"))
	require.NoError(t, err)

	select {
	case argv := <-commandCh:
		require.Equal(t, []string{"foo=bar"}, argv)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command callback")
	}

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "C9|waveform response 50|50000009\n", line)

	radio.Close()
}

func TestRadioRejectsSecondWaveformClaimingSameSlice(t *testing.T) {
	ln, accepted := startFakeRadio(t)
	defer ln.Close()

	radio := NewRadio(ln.Addr().String())
	wf1 := radio.NewWaveform(WaveformConfig{FullName: "FreeDV1", ShortName: "FDVU", Underlying: "USB", Version: "1.0.0.0"})
	wf2 := radio.NewWaveform(WaveformConfig{FullName: "FreeDV2", ShortName: "FDVU", Underlying: "USB", Version: "1.0.0.0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, radio.Start(ctx))

	radioConn := <-accepted
	defer radioConn.Close()
	r := bufio.NewReader(radioConn)
	// 3 shared subscription lines + 4 waveform-bootstrap lines per waveform
	for i := 0; i < 11; i++ {
		_, err := r.ReadString('\n')
		require.NoError(t, err)
	}

	_, err := radioConn.Write([]byte("S2A000001|slice 5 mode=FDVU\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return wf1.State() == slice.Active }, time.Second, 5*time.Millisecond)

	// wf2 also matches "FDVU" on the same status line; it must not steal
	// the slice from wf1.
	require.Never(t, func() bool { return wf2.State() == slice.Active }, 200*time.Millisecond, 10*time.Millisecond)

	n, ok := wf1.ActiveSlice()
	require.True(t, ok)
	require.Equal(t, 5, n)

	radio.Close()
}

func TestWaveformSendBeforeActiveIsNotConnected(t *testing.T) {
	radio := NewRadio("127.0.0.1:0")
	wf := radio.NewWaveform(WaveformConfig{FullName: "FreeDV", ShortName: "FDVU", Underlying: "USB", Version: "1.0.0.0"})

	err := wf.SendRXAudio([]float32{1, 2})
	require.ErrorIs(t, err, ErrNotConnected)
}
