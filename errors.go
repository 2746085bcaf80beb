package waveformsdk

import (
	"errors"

	"github.com/flexradio/waveform-sdk/internal/meter"
)

var (
	// ErrNotConnected is returned by a waveform's send operations while
	// its data plane is down (the waveform is not currently active).
	ErrNotConnected = errors.New("waveformsdk: not connected")

	// ErrMeterOutOfRange, ErrMeterNameTaken, and ErrTooManyMeters alias
	// the meter registry's sentinels so callers can check either
	// package's error without a translation layer.
	ErrMeterOutOfRange = meter.ErrOutOfRange
	ErrMeterNameTaken  = meter.ErrDuplicateName
	ErrTooManyMeters   = meter.ErrTooManySlots

	// ErrSliceBusy is logged (not returned) when a slice-activation
	// status names a slice already owned by another active waveform.
	ErrSliceBusy = errors.New("waveformsdk: slice already active")
)
