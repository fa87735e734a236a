package audio

import "math"

var (
	ulawTable [256]float32
	alawTable [256]float32
)

func init() {
	for i := range 256 {
		ulawTable[i] = float32(ulawSample(byte(i))) / math.MaxInt16
		alawTable[i] = float32(alawSample(byte(i))) / math.MaxInt16
	}
}

func ulawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + 0x84) << exponent
	return sign * (sample - 0x84)
}

func alawSample(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	if exponent == 0 {
		return sign * (mantissa<<4 + 8)
	}
	return sign * ((mantissa<<4 + 0x108) << (exponent - 1))
}

func lookup(table *[256]float32) func([]byte) []float32 {
	return func(data []byte) []float32 {
		samples := make([]float32, len(data))
		for i, b := range data {
			samples[i] = table[b]
		}
		return samples
	}
}

var (
	decodeG711Ulaw = lookup(&ulawTable)
	decodeG711Alaw = lookup(&alawTable)
)
