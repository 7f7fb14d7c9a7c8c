package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrNotWAV is returned by ParseWAV when the payload has no RIFF/WAVE header.
var ErrNotWAV = errors.New("not a wav payload")

// SamplesToWAV encodes float32 PCM samples as a mono 16-bit WAV byte slice.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)
	writeWAVHeader(buf, sampleRate, dataLen)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return buf
}

func writeWAVHeader(buf []byte, sampleRate, dataLen int) {
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
}

// WAVInfo describes a parsed PCM16 WAV payload.
type WAVInfo struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// ParseWAV walks the RIFF chunks of a 16-bit PCM WAV and returns its data chunk.
// Stereo input is downmixed to mono.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, ErrNotWAV
	}

	var info WAVInfo
	var bits int
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := min(body+size, len(data))

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("wav fmt chunk too short: %d", end-body)
			}
			if format := binary.LittleEndian.Uint16(data[body:]); format != 1 {
				return nil, fmt.Errorf("unsupported wav format %d", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
		case "data":
			info.PCM = data[body:end]
		}
		// chunks are word aligned
		off = body + size + size%2
	}

	if info.SampleRate == 0 || info.PCM == nil {
		return nil, fmt.Errorf("wav missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", bits)
	}
	if info.Channels == 2 {
		info.PCM = downmixStereo(info.PCM)
		info.Channels = 1
	}
	return &info, nil
}

func downmixStereo(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}
