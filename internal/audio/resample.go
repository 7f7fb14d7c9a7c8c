package audio

import (
	"math"
	"sync"
)

const resampleTaps = 31

type ratePair struct{ src, dst int }

// kernels caches windowed-sinc kernels per rate pair; TTS output resamples
// every sentence at the same rates.
var kernels sync.Map // ratePair -> []float32

// Resample converts samples from srcRate to dstRate using linear interpolation
// with a windowed-sinc anti-aliasing filter. Returns the input unchanged if
// rates already match or the input is empty.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return samples
	}

	kernel := kernelFor(srcRate, dstRate)

	// Downsampling filters before interpolation, upsampling after.
	if srcRate > dstRate {
		samples = convolve(samples, kernel)
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, len(samples)*dstRate/srcRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		out[i] = interpolate(samples, idx, float32(pos-float64(idx)))
	}

	if dstRate > srcRate {
		out = convolve(out, kernel)
	}
	return out
}

// ResamplePCM16 resamples a mono PCM16 payload.
func ResamplePCM16(data []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate {
		return data
	}
	return EncodePCM16(Resample(DecodePCM16(data), srcRate, dstRate))
}

func kernelFor(srcRate, dstRate int) []float32 {
	key := ratePair{srcRate, dstRate}
	if k, ok := kernels.Load(key); ok {
		return k.([]float32)
	}
	filterRate := max(srcRate, dstRate)
	k := sincKernel(float64(min(srcRate, dstRate))/2.0, float64(filterRate), resampleTaps)
	kernels.Store(key, k)
	return k
}

// convolve applies an FIR kernel; only taps overlapping the input contribute.
func convolve(samples, kernel []float32) []float32 {
	taps := len(kernel)
	half := taps / 2
	out := make([]float32, len(samples))
	for i := range samples {
		lo := max(0, half-i)
		hi := min(taps, len(samples)-i+half)
		var sum float32
		for j := lo; j < hi; j++ {
			sum += samples[i+j-half] * kernel[j]
		}
		out[i] = sum
	}
	return out
}

// sincKernel builds a Blackman-windowed sinc low-pass kernel normalized to unity DC gain.
func sincKernel(cutoff, sampleRate float64, taps int) []float32 {
	fc := cutoff / sampleRate
	half := taps / 2
	kernel := make([]float32, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		v := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			v = math.Sin(x) / x
		}
		phase := float64(i) / float64(taps-1)
		w := 0.42 - 0.5*math.Cos(2.0*math.Pi*phase) + 0.08*math.Cos(4.0*math.Pi*phase)
		kernel[i] = float32(v * w)
		sum += v * w
	}

	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}

func interpolate(samples []float32, idx int, frac float32) float32 {
	if idx+1 >= len(samples) {
		return samples[len(samples)-1]
	}
	return samples[idx]*(1-frac) + samples[idx+1]*frac
}
