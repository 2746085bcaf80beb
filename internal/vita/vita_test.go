package vita

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripAudio(t *testing.T) {
	p, err := NewAudioPacket(0x00000081, []float32{1.5, -2.25, 3.0, -4.0})
	require.NoError(t, err)
	p.Sequence = 5

	wire, err := Encode(p)
	require.NoError(t, err)

	got, err := Parse(wire)
	require.NoError(t, err)

	require.Equal(t, p.Type, got.Type)
	require.Equal(t, p.StreamID, got.StreamID)
	require.Equal(t, p.OUI, got.OUI)
	require.Equal(t, p.InformationClass, got.InformationClass)
	require.Equal(t, p.PacketClass, got.PacketClass)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Equal(t, p.Words, got.Words)
	require.Equal(t, KindAudio, got.Kind)

	samples, err := got.AudioSamples()
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2.25, 3.0, -4.0}, samples)
}

func TestHeaderRoundTripByte(t *testing.T) {
	data := []byte("hello byte stream")
	p, err := NewBytePacket(0x00000002, data)
	require.NoError(t, err)

	wire, err := Encode(p)
	require.NoError(t, err)

	got, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, KindByte, got.Kind)
	require.Equal(t, data, got.ByteData)
	require.Equal(t, uint32(len(data)), got.ByteLength)
}

func TestHeaderRoundTripMeter(t *testing.T) {
	slots := []MeterSlot{{ID: 42, Value: -1600}, {ID: 7, Value: 100}}
	p, err := NewMeterPacket(3, slots)
	require.NoError(t, err)

	wire, err := Encode(p)
	require.NoError(t, err)
	require.Equal(t, HeaderSizeWithoutTimestamp+4*len(slots), len(wire))

	got, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, KindMeter, got.Kind)
	require.Equal(t, uint32(MeterStreamID), got.StreamID)

	gotSlots, err := got.MeterSlots()
	require.NoError(t, err)
	require.Equal(t, slots, gotSlots)
}

func TestEncodeTwiceDoesNotMutateInput(t *testing.T) {
	p, err := NewAudioPacket(1, []float32{9.5})
	require.NoError(t, err)
	before := append([]uint32(nil), p.Words...)

	_, err = Encode(p)
	require.NoError(t, err)
	_, err = Encode(p)
	require.NoError(t, err)

	require.Equal(t, before, p.Words)
}

func TestStreamDirectionRule(t *testing.T) {
	cases := []struct {
		streamID uint32
		wantTx   bool
	}{
		{0x00000081, true},
		{0x00000080, false},
		{0x00000001, true},
		{0x00000000, false},
	}
	for _, c := range cases {
		require.Equal(t, c.wantTx, c.streamID&1 == 1)
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	p, err := NewAudioPacket(1, []float32{1, 2})
	require.NoError(t, err)
	wire, err := Encode(p)
	require.NoError(t, err)

	_, err = Parse(wire[:len(wire)-4])
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestParseRejectsBadOUI(t *testing.T) {
	p, err := NewAudioPacket(1, []float32{1})
	require.NoError(t, err)
	wire, err := Encode(p)
	require.NoError(t, err)
	wire[9] ^= 0xff // corrupt a byte inside the OUI word

	_, err = Parse(wire)
	require.ErrorIs(t, err, ErrInvalidOUI)
}

func TestHeaderSizeDependsOnIntegerTimestampOnly(t *testing.T) {
	p := &Packet{IntegerTimestampType: IntegerTimestampNotPresent, FractionalTimestampType: FractionalTimestampRealTime}
	require.Equal(t, HeaderSizeWithoutTimestamp, HeaderSize(p))

	p.IntegerTimestampType = IntegerTimestampUTC
	require.Equal(t, HeaderSizeWithTimestamp, HeaderSize(p))
}

func TestMeterSlotLimit(t *testing.T) {
	slots := make([]MeterSlot, MaxMeterSlots)
	_, err := NewMeterPacket(0, slots)
	require.Error(t, err)

	slots = make([]MeterSlot, MaxMeterSlots-1)
	_, err = NewMeterPacket(0, slots)
	require.NoError(t, err)
}

func TestAudioSampleLimit(t *testing.T) {
	_, err := NewAudioPacket(1, make([]float32, 2*MaxAudioSamplePairs+1))
	require.Error(t, err)
}

func TestByteStreamLimit(t *testing.T) {
	_, err := NewBytePacket(1, make([]byte, MaxBytePayload+1))
	require.Error(t, err)
}
