package voiceturn

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasureLevel(t *testing.T) {
	assert.Equal(t, Level{}, MeasureLevel(nil))

	l := MeasureLevel([]int16{math.MaxInt16, -math.MaxInt16})
	assert.InDelta(t, 1.0, l.RMS, 1e-9)
	assert.InDelta(t, 1.0, l.Peak, 1e-9)

	// math.MinInt16 is clamped rather than exceeding full scale.
	l = MeasureLevel([]int16{math.MinInt16, 0, 0, 0})
	assert.Equal(t, 1.0, l.Peak)
	assert.InDelta(t, 0.5, l.RMS, 1e-9)
	assert.False(t, l.Silent(0.1))
	assert.True(t, MeasureLevel([]int16{10, -10}).Silent(0.01))
}

func TestSilenceDetectorFiresOncePerSilence(t *testing.T) {
	clock := newFakeClock()
	fired := 0
	d := NewSilenceDetector(0.05, time.Second, func() { fired++ })
	d.clock = clock.Now

	quiet, loud := Level{RMS: 0.01}, Level{RMS: 0.5}

	d.Observe(quiet)
	clock.Advance(500 * time.Millisecond)
	d.Observe(quiet)
	assert.Zero(t, fired)

	clock.Advance(600 * time.Millisecond)
	d.Observe(quiet)
	assert.Equal(t, 1, fired)
	clock.Advance(2 * time.Second)
	d.Observe(quiet)
	assert.Equal(t, 1, fired, "does not fire again without sound in between")

	d.Observe(loud)
	d.Observe(quiet)
	clock.Advance(time.Second)
	d.Observe(quiet)
	assert.Equal(t, 2, fired)

	d.Reset()
	d.Observe(quiet)
	assert.Equal(t, 2, fired)
}

func TestRecorderReportsLevels(t *testing.T) {
	capture := &fakeCapture{}
	rec := newTestRecorder(capture)

	var mu sync.Mutex
	var levels []Level
	rec.OnLevel(func(l Level) {
		mu.Lock()
		levels = append(levels, l)
		mu.Unlock()
	})

	require.NoError(t, rec.Start(context.Background()))
	capture.last().feed([]int16{math.MaxInt16, math.MaxInt16})
	_, err := rec.Stop(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, levels, 1)
	assert.InDelta(t, 1.0, levels[0].Peak, 1e-9)
}
