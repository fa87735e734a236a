// Package audio decodes inbound speech into normalized float32 samples and
// packages samples for the recognizer.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec names an inbound audio encoding.
type Codec string

const (
	CodecF32LE    Codec = "f32le"
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means the caller-supplied rate applies.
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

var decoders = map[Codec]decoder{
	CodecF32LE:    {fn: decodeF32LE},
	CodecPCM:      {fn: decodePCM},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// ParseCodec validates a codec name. Empty selects f32le.
func ParseCodec(name string) (Codec, error) {
	if name == "" {
		return CodecF32LE, nil
	}
	c := Codec(name)
	if _, ok := decoders[c]; !ok {
		return "", fmt.Errorf("unsupported codec: %s", name)
	}
	return c, nil
}

// Decode converts encoded bytes to samples in [-1, 1] and reports their rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}

// decodeF32LE reads little-endian IEEE-754 floats, the layout browsers
// produce from an AudioBuffer channel. A trailing partial sample is ignored.
func decodeF32LE(data []byte) []float32 {
	n := len(data) / 4
	samples := make([]float32, n)
	for i := range n {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if math.IsNaN(float64(v)) {
			v = 0
		}
		samples[i] = max(-1, min(1, v))
	}
	return samples
}

func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}
