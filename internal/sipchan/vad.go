package sipchan

import (
	"sort"
	"sync"
	"time"

	"github.com/hearthward/famulus/pkg/audio"
)

const (
	// calibrationWindow is how long baseline RMS samples are collected
	// after playback before the adaptive threshold is computed.
	calibrationWindow = 3 * time.Second

	// utteranceSilence ends an utterance when no frame crossed the
	// threshold for this long.
	utteranceSilence = 1500 * time.Millisecond

	// thresholdFloor and thresholdCeil clamp the adaptive threshold.
	thresholdFloor = 40
	thresholdCeil  = 300

	// defaultThreshold is used until the first calibration completes.
	defaultThreshold = 100
)

// vad is an RMS-gated speech detector for one call. The threshold adapts
// to the call's measured noise floor unless a manual override is set.
// The caller is responsible for not feeding frames while TTS plays.
type vad struct {
	manual float64 // >0 disables adaptation
	now    func() time.Time

	mu          sync.Mutex
	threshold   float64
	calibrating bool
	calibrateBy time.Time
	baseline    []float64
	recording   bool
	buf         []byte
	lastVoice   time.Time
}

func newVAD(manualThreshold float64, now func() time.Time) *vad {
	v := &vad{manual: manualThreshold, now: now, threshold: defaultThreshold}
	if manualThreshold > 0 {
		v.threshold = manualThreshold
	}
	return v
}

// startCalibration discards buffered audio and begins a fresh baseline
// window. No-op under a manual threshold.
func (v *vad) startCalibration() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recording = false
	v.buf = nil
	if v.manual > 0 {
		return
	}
	v.calibrating = true
	v.calibrateBy = v.now().Add(calibrationWindow)
	v.baseline = v.baseline[:0]
}

// reset drops any partially recorded utterance.
func (v *vad) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recording = false
	v.buf = nil
}

// currentThreshold reports the active RMS threshold.
func (v *vad) currentThreshold() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.threshold
}

// frame consumes one 16-bit mono PCM frame. It returns a complete
// utterance when trailing silence ends one, else nil.
func (v *vad) frame(pcm []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	rms := audio.RMS(pcm)

	if v.calibrating {
		v.baseline = append(v.baseline, rms)
		if now.After(v.calibrateBy) {
			v.threshold = adaptiveThreshold(v.baseline)
			v.calibrating = false
		}
		return nil
	}

	if rms >= v.threshold {
		v.recording = true
		v.lastVoice = now
		v.buf = append(v.buf, pcm...)
		return nil
	}

	if !v.recording {
		return nil
	}
	// Keep the trailing silence: cutting it mid-word clips transcripts.
	v.buf = append(v.buf, pcm...)
	return v.finishLocked(now)
}

// idle is called when no audio arrived for a while, so silence-suppressed
// streams still end their utterances.
func (v *vad) idle() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.recording {
		return nil
	}
	return v.finishLocked(v.now())
}

func (v *vad) finishLocked(now time.Time) []byte {
	if now.Sub(v.lastVoice) < utteranceSilence {
		return nil
	}
	utterance := v.buf
	v.buf = nil
	v.recording = false
	return utterance
}

// adaptiveThreshold derives an RMS gate from baseline noise samples:
// median + 1.5 * (p75 - median), clamped to [40, 300].
func adaptiveThreshold(samples []float64) float64 {
	if len(samples) == 0 {
		return defaultThreshold
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	median := percentile(sorted, 0.5)
	p75 := percentile(sorted, 0.75)
	t := median + 1.5*(p75-median)
	return min(max(t, thresholdFloor), thresholdCeil)
}

// percentile reads from an already sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
