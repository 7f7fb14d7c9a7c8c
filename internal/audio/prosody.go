package audio

import "sort"

// Prosody summarizes coarse pitch and energy contours of an utterance.
type Prosody struct {
	EnergyDB    float64 // whole-utterance level
	EnergySlope float64 // dB change from first to last window
	PitchHz     float64 // median of voiced windows, 0 if unvoiced
	PitchSlope  float64 // Hz change from first to last voiced window
}

// Rising reports an upward pitch contour, typical of questions and continuations.
func (p Prosody) Rising() bool { return p.PitchSlope > 15 }

// Falling reports a downward pitch and energy contour, typical of a finished turn.
func (p Prosody) Falling() bool { return p.PitchSlope < -15 && p.EnergySlope < -3 }

const (
	prosodyWindow = 0.04 // seconds
	minPitchHz    = 75
	maxPitchHz    = 400
	voicedCorr    = 0.45
)

// ExtractProsody estimates pitch and energy contours with per-window autocorrelation.
func ExtractProsody(samples []float32, sampleRate int) Prosody {
	win := int(prosodyWindow * float64(sampleRate))
	if sampleRate <= 0 || win <= 0 || len(samples) < 2*win {
		return Prosody{EnergyDB: EnergyDB(samples)}
	}

	var pitches []float64
	var firstDB, lastDB float64
	nWin := len(samples) / win
	for i := range nWin {
		frame := samples[i*win : (i+1)*win]
		db := EnergyDB(frame)
		if i == 0 {
			firstDB = db
		}
		lastDB = db
		if hz := estimatePitch(frame, sampleRate); hz > 0 {
			pitches = append(pitches, hz)
		}
	}

	p := Prosody{EnergyDB: EnergyDB(samples), EnergySlope: lastDB - firstDB}
	if len(pitches) == 0 {
		return p
	}
	p.PitchHz = median(pitches)
	if len(pitches) > 1 {
		p.PitchSlope = pitches[len(pitches)-1] - pitches[0]
	}
	return p
}

func estimatePitch(frame []float32, sampleRate int) float64 {
	minLag := sampleRate / maxPitchHz
	maxLag := min(sampleRate/minPitchHz, len(frame)-1)
	if minLag >= maxLag {
		return 0
	}

	var energy float64
	for _, s := range frame {
		energy += float64(s) * float64(s)
	}
	if energy < 1e-6 {
		return 0
	}

	bestLag, best := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var c float64
		for i := 0; i+lag < len(frame); i++ {
			c += float64(frame[i]) * float64(frame[i+lag])
		}
		if c /= energy; c > best {
			best, bestLag = c, lag
		}
	}
	if best < voicedCorr || bestLag == 0 {
		return 0
	}
	return float64(sampleRate) / float64(bestLag)
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return s[len(s)/2]
}
