package voiceturn

import (
	"math"
	"sync"
	"time"
)

// Level summarizes one time slice of captured audio, normalized to [0, 1].
type Level struct {
	RMS  float64
	Peak float64
}

// LevelHandler receives the input level of every captured time slice.
type LevelHandler func(Level)

// MeasureLevel computes the level of PCM16 samples. Empty input is silent.
func MeasureLevel(samples []int16) Level {
	if len(samples) == 0 {
		return Level{}
	}
	var sum, peak float64
	for _, s := range samples {
		v := math.Abs(float64(s)) / math.MaxInt16
		if v > 1 {
			v = 1
		}
		sum += v * v
		if v > peak {
			peak = v
		}
	}
	return Level{RMS: math.Sqrt(sum / float64(len(samples))), Peak: peak}
}

// Silent reports whether the slice stayed below threshold RMS.
func (l Level) Silent(threshold float64) bool {
	return l.RMS < threshold
}

// SilenceDetector fires its callback once the input has stayed below the
// threshold for the configured duration. It rearms when sound returns.
type SilenceDetector struct {
	threshold float64
	after     time.Duration
	callback  func()
	clock     func() time.Time

	mu    sync.Mutex
	since time.Time
	fired bool
}

func NewSilenceDetector(threshold float64, after time.Duration, callback func()) *SilenceDetector {
	return &SilenceDetector{
		threshold: threshold,
		after:     after,
		callback:  callback,
		clock:     time.Now,
	}
}

// Observe feeds one level reading; it satisfies LevelHandler.
func (d *SilenceDetector) Observe(l Level) {
	d.mu.Lock()
	if !l.Silent(d.threshold) {
		d.since = time.Time{}
		d.fired = false
		d.mu.Unlock()
		return
	}
	now := d.clock()
	if d.since.IsZero() {
		d.since = now
	}
	fire := !d.fired && now.Sub(d.since) >= d.after
	if fire {
		d.fired = true
	}
	d.mu.Unlock()

	if fire && d.callback != nil {
		d.callback()
	}
}

// Reset forgets any silence observed so far.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	d.since = time.Time{}
	d.fired = false
	d.mu.Unlock()
}
