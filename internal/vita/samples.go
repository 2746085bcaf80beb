package vita

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RawPayloadBytes reconstitutes the original network-order payload bytes
// from Words, for packets (like discovery advertisements) whose payload
// is opaque rather than numeric. Parse and Encode both use big-endian
// word order consistently, so this round-trips exactly.
func (p *Packet) RawPayloadBytes() []byte {
	out := make([]byte, len(p.Words)*4)
	for i, w := range p.Words {
		binary.BigEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

// AudioSamples decodes an audio packet's Words into interleaved float32
// sample pairs. Each 32-bit word is a big-endian IEEE-754 float already
// converted to host order by Parse.
func (p *Packet) AudioSamples() ([]float32, error) {
	if p.Kind != KindAudio {
		return nil, fmt.Errorf("vita: AudioSamples: packet kind is %s, not audio", p.Kind)
	}
	out := make([]float32, len(p.Words))
	for i, w := range p.Words {
		out[i] = math.Float32frombits(w)
	}
	return out, nil
}

// NewAudioPacket builds an outgoing audio packet carrying the given
// interleaved float32 samples (pairs of frames, per §6). samples must not
// exceed 2*MaxAudioSamplePairs values.
func NewAudioPacket(streamID uint32, samples []float32) (*Packet, error) {
	if len(samples) > 2*MaxAudioSamplePairs {
		return nil, fmt.Errorf("vita: NewAudioPacket: %d samples exceeds limit of %d pairs", len(samples), MaxAudioSamplePairs)
	}
	words := make([]uint32, len(samples))
	for i, s := range samples {
		words[i] = math.Float32bits(s)
	}
	return &Packet{
		Type:                 PacketTypeIFDataWithID,
		IntegerTimestampType: IntegerTimestampNotPresent,
		StreamID:             streamID,
		OUI:                  FlexOUI,
		InformationClass:     InformationClass,
		PacketClass:          EncodePacketClass(AudioSampleClass),
		Kind:                 KindAudio,
		Words:                words,
	}, nil
}

// NewBytePacket builds an outgoing byte-stream packet. data must not
// exceed MaxBytePayload bytes.
func NewBytePacket(streamID uint32, data []byte) (*Packet, error) {
	if len(data) > MaxBytePayload {
		return nil, fmt.Errorf("vita: NewBytePacket: %d bytes exceeds limit of %d", len(data), MaxBytePayload)
	}
	return &Packet{
		Type:                 PacketTypeExtDataWithID,
		IntegerTimestampType: IntegerTimestampNotPresent,
		StreamID:             streamID,
		OUI:                  FlexOUI,
		InformationClass:     InformationClass,
		PacketClass:          EncodePacketClass(ByteSampleClass),
		Kind:                 KindByte,
		ByteLength:           uint32(len(data)),
		ByteData:             append([]byte(nil), data...),
	}, nil
}

// MeterSlot is one {id, value} pair inside a coalesced meter packet.
type MeterSlot struct {
	ID    uint16
	Value int16
}

// MeterSlots decodes a meter packet's Words into {id, value} pairs.
func (p *Packet) MeterSlots() ([]MeterSlot, error) {
	if p.Kind != KindMeter {
		return nil, fmt.Errorf("vita: MeterSlots: packet kind is %s, not meter", p.Kind)
	}
	out := make([]MeterSlot, len(p.Words))
	for i, w := range p.Words {
		out[i] = MeterSlot{ID: uint16(w >> 16), Value: int16(uint16(w))}
	}
	return out, nil
}

// NewMeterPacket builds an outgoing coalesced meter packet. slots must hold
// fewer than MaxMeterSlots entries (the §4.7/§9 array-bound guard uses >=,
// the safe reading of the original's off-by-one).
func NewMeterPacket(sequence uint8, slots []MeterSlot) (*Packet, error) {
	if len(slots) >= MaxMeterSlots {
		return nil, fmt.Errorf("vita: NewMeterPacket: %d slots reaches limit of %d", len(slots), MaxMeterSlots)
	}
	words := make([]uint32, len(slots))
	for i, s := range slots {
		words[i] = uint32(s.ID)<<16 | uint32(uint16(s.Value))
	}
	return &Packet{
		Type:                 PacketTypeExtDataWithID,
		IntegerTimestampType: IntegerTimestampNotPresent,
		Sequence:             sequence & 0xf,
		StreamID:             MeterStreamID,
		OUI:                  FlexOUI,
		InformationClass:     InformationClass,
		PacketClass:          0,
		Kind:                 KindMeter,
		Words:                words,
	}, nil
}
