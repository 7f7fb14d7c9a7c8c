package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Sample rates fixed by the voice protocol.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// DecodePCM16 converts little-endian signed 16-bit mono PCM to float32 samples in [-1, 1].
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM16 converts float32 samples to little-endian signed 16-bit PCM, clamping to [-1, 1].
func EncodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return buf
}

// PCM16Duration returns the playback duration of a PCM16 payload.
func PCM16Duration(byteLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	frames := byteLen / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// PCM16Bytes returns how many bytes of mono PCM16 cover d at sampleRate.
func PCM16Bytes(d time.Duration, sampleRate int) int {
	return int(d*time.Duration(sampleRate)/time.Second) * 2
}

// DecodeBase64PCM decodes a base64 audio field into float32 samples.
func DecodeBase64PCM(b64 string) ([]byte, []float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, nil, fmt.Errorf("pcm16 payload has odd length %d", len(raw))
	}
	return raw, DecodePCM16(raw), nil
}

// SplitPCM16 cuts a mono PCM16 payload into frames of at most frame duration.
func SplitPCM16(data []byte, sampleRate int, frame time.Duration) [][]byte {
	size := PCM16Bytes(frame, sampleRate)
	if size <= 0 || len(data) <= size {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	out := make([][]byte, 0, len(data)/size+1)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		out = append(out, data[off:end])
	}
	return out
}
