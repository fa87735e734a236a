package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// SamplesToWAV encodes samples as 16-bit mono PCM WAV.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	dataLen := len(samples) * 2
	totalLen := 44 + dataLen

	buf := make([]byte, totalLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(totalLen-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return buf
}

const (
	formatPCM   = 1
	formatFloat = 3
)

var errNotWAV = errors.New("not a RIFF/WAVE stream")

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// ParseWAV reads 16-bit PCM or 32-bit float WAV and downmixes to mono.
func ParseWAV(data []byte) ([]float32, int, error) {
	if !IsWAV(data) {
		return nil, 0, errNotWAV
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := min(body+size, len(data))

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, fmt.Errorf("wav fmt chunk too short: %d", end-body)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			rate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, errors.New("wav data chunk before fmt chunk")
			}
			samples, err := wavSamples(data[body:end], format, bits)
			if err != nil {
				return nil, 0, err
			}
			return downmix(samples, int(channels)), int(rate), nil
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}
	return nil, 0, errors.New("wav has no data chunk")
}

func wavSamples(pcm []byte, format, bits uint16) ([]float32, error) {
	switch {
	case format == formatPCM && bits == 16:
		return decodePCM(pcm), nil
	case format == formatFloat && bits == 32:
		return decodeF32LE(pcm), nil
	default:
		return nil, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", format, bits)
	}
}

func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
