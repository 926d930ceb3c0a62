package voiceturn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderStartStopProducesUtterance(t *testing.T) {
	capture := &fakeCapture{}
	rec := newTestRecorder(capture)
	ctx := context.Background()

	require.NoError(t, rec.Start(ctx))
	assert.Equal(t, StateRecording, rec.State())

	capture.last().feed(tone(800))
	capture.last().feed(tone(800))

	utt, err := rec.Stop(ctx)
	require.NoError(t, err)
	require.NotNil(t, utt)

	assert.Equal(t, FormatWAV, utt.MIMEType)
	assert.Equal(t, "RIFF", string(utt.Data[:4]))
	assert.Len(t, utt.Data, wavHeaderSize+1600*2)
	assert.GreaterOrEqual(t, utt.Chunks, 1)
	assert.Equal(t, StateIdle, rec.State())

	opened, closed := capture.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Equal(t, RecorderStats{Acquired: 1, Released: 1}, rec.Stats())
}

func TestRecorderChunksKeepEmissionOrder(t *testing.T) {
	capture := &fakeCapture{}
	cfg := testRecorderConfig()
	cfg.Probe = probeOnly{FormatPCM: true}
	rec := NewRecorder(capture, cfg, NopLogger())
	ctx := context.Background()

	require.NoError(t, rec.Start(ctx))
	for i := 0; i < 5; i++ {
		capture.last().feed([]int16{int16(i)})
		time.Sleep(15 * time.Millisecond)
	}
	utt, err := rec.Stop(ctx)
	require.NoError(t, err)

	require.Len(t, utt.Data, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, byte(i), utt.Data[i*2+1], "sample %d out of order", i)
	}
	assert.Contains(t, utt.MIMEType, "audio/L16;rate=16000")
}

func TestRecorderPermissionDenied(t *testing.T) {
	capture := &fakeCapture{openErr: errors.New("Permission denied by the system")}
	rec := newTestRecorder(capture)

	err := rec.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, StateIdle, rec.State())
	assert.Equal(t, msgPermissionDenied, rec.LastErrorMessage())

	opened, closed := capture.counts()
	assert.Zero(t, opened)
	assert.Zero(t, closed)
	assert.Equal(t, RecorderStats{}, rec.Stats())
}

func TestRecorderDeviceNotFound(t *testing.T) {
	capture := &fakeCapture{openErr: ErrDeviceNotFound}
	rec := newTestRecorder(capture)

	err := rec.Start(context.Background())
	assert.True(t, IsErrorCode(err, ErrCodeDeviceNotFound))
	assert.Equal(t, msgDeviceNotFound, rec.LastErrorMessage())
	assert.Equal(t, StateIdle, rec.State())
}

func TestRecorderReleasesPartiallyAcquiredDevice(t *testing.T) {
	capture := &fakeCapture{startErr: errors.New("stream refused to start")}
	rec := newTestRecorder(capture)

	err := rec.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeDevice))
	assert.Contains(t, rec.LastErrorMessage(), "stream refused to start")

	opened, closed := capture.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Equal(t, RecorderStats{Acquired: 1, Released: 1}, rec.Stats())
	assert.Equal(t, StateIdle, rec.State())
}

func TestRecorderNoSupportedEncoding(t *testing.T) {
	capture := &fakeCapture{}
	cfg := testRecorderConfig()
	cfg.Probe = probeOnly{}
	rec := NewRecorder(capture, cfg, NopLogger())

	err := rec.Start(context.Background())
	assert.True(t, IsErrorCode(err, ErrCodeEncoding))
	assert.ErrorIs(t, err, ErrNoEncoding)

	opened, _ := capture.counts()
	assert.Zero(t, opened)
}

func TestRecorderLastErrorClearedOnSuccessfulStart(t *testing.T) {
	capture := &fakeCapture{openErr: ErrPermissionDenied}
	rec := newTestRecorder(capture)
	require.Error(t, rec.Start(context.Background()))
	require.Error(t, rec.LastError())

	capture.mu.Lock()
	capture.openErr = nil
	capture.mu.Unlock()

	require.NoError(t, rec.Start(context.Background()))
	assert.NoError(t, rec.LastError())
	rec.Cancel()
}

func TestRecorderStartWhileRecording(t *testing.T) {
	rec := newTestRecorder(&fakeCapture{})
	require.NoError(t, rec.Start(context.Background()))
	defer rec.Cancel()

	assert.ErrorIs(t, rec.Start(context.Background()), ErrAlreadyRecording)
}

func TestRecorderCancelWhenIdleIsNoop(t *testing.T) {
	capture := &fakeCapture{}
	rec := newTestRecorder(capture)

	rec.Cancel()
	rec.Cancel()

	opened, closed := capture.counts()
	assert.Zero(t, opened)
	assert.Zero(t, closed)
	assert.Equal(t, RecorderStats{}, rec.Stats())
	assert.Equal(t, StateIdle, rec.State())
}

func TestRecorderStopWhenIdleReturnsNothing(t *testing.T) {
	rec := newTestRecorder(&fakeCapture{})

	utt, err := rec.Stop(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, utt)
	assert.Equal(t, StateIdle, rec.State())
}

func TestRecorderCancelReleasesOnce(t *testing.T) {
	capture := &fakeCapture{}
	rec := newTestRecorder(capture)

	require.NoError(t, rec.Start(context.Background()))
	capture.last().feed(tone(100))
	rec.Cancel()
	rec.Cancel()

	opened, closed := capture.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Equal(t, StateIdle, rec.State())

	utt, err := rec.Stop(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, utt)
}

func TestRecorderStopCancelRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		capture := &fakeCapture{}
		rec := newTestRecorder(capture)
		require.NoError(t, rec.Start(context.Background()))
		capture.last().feed(tone(160))

		done := make(chan *Utterance, 1)
		go func() {
			utt, err := rec.Stop(context.Background())
			assert.NoError(t, err)
			done <- utt
		}()
		rec.Cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not resolve after Cancel")
		}

		require.Eventually(t, func() bool {
			_, closed := capture.counts()
			return closed == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, RecorderStats{Acquired: 1, Released: 1}, rec.Stats())
		assert.Equal(t, StateIdle, rec.State())
	}
}

func TestRecorderCancelDuringProcessingSettlesEmpty(t *testing.T) {
	capture := &fakeCapture{}
	rec := newTestRecorder(capture)
	require.NoError(t, rec.Start(context.Background()))

	// Drive Stop by hand so finalization has not run when Cancel arrives.
	rec.mu.Lock()
	current := rec.rec
	cont := newContinuation()
	rec.pending.put(cont)
	effects, err := rec.apply(EventStop)
	require.NoError(t, err)
	rec.haltCapture()
	rec.mu.Unlock()
	require.Equal(t, []Effect{EffectHaltCapture, EffectFinalize}, effects)
	<-current.done

	rec.Cancel()
	utt, err := cont.wait(context.Background())
	require.NoError(t, err)
	assert.True(t, utt.Empty())

	// A late finalize for the cancelled recording changes nothing.
	rec.finalize(current)
	assert.Equal(t, StateIdle, rec.State())
	assert.Equal(t, RecorderStats{Acquired: 1, Released: 1}, rec.Stats())
}

func TestRecorderDurationIsWholeSecondsFromClock(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(&fakeCapture{})
	rec.clock = clock.Now

	var last atomic.Int64
	rec.OnDuration(func(seconds int) { last.Store(int64(seconds)) })

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Cancel()

	clock.Advance(2900 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.Duration() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return last.Load() == 2 }, time.Second, 5*time.Millisecond)

	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.Duration() == 3 }, time.Second, 5*time.Millisecond)
}

func TestRecorderEmptyRecording(t *testing.T) {
	rec := newTestRecorder(&fakeCapture{})
	require.NoError(t, rec.Start(context.Background()))

	utt, err := rec.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, utt.Empty())
}

func TestRecorderCancelDuringAcquisition(t *testing.T) {
	capture := &fakeCapture{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	rec := newTestRecorder(capture)

	started := make(chan error, 1)
	go func() { started <- rec.Start(context.Background()) }()
	<-capture.entered

	assert.ErrorIs(t, rec.Start(context.Background()), ErrAlreadyRecording)

	cancelled := make(chan struct{})
	go func() {
		rec.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked while the device was being opened")
	}

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrRecordingCancelled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Cancel")
	}
	assert.Equal(t, StateIdle, rec.State())
	assert.NoError(t, rec.LastError())
	assert.Equal(t, RecorderStats{}, rec.Stats())

	close(capture.gate)
	require.NoError(t, rec.Start(context.Background()))
	rec.Cancel()
}

func TestRecorderReleasesDeviceGrantedAfterCancel(t *testing.T) {
	capture := &fakeCapture{gate: make(chan struct{}), grantLate: true, entered: make(chan struct{}, 1)}
	rec := newTestRecorder(capture)

	started := make(chan error, 1)
	go func() { started <- rec.Start(context.Background()) }()
	<-capture.entered

	rec.Cancel()
	close(capture.gate)

	require.ErrorIs(t, <-started, ErrRecordingCancelled)
	opened, closed := capture.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Equal(t, RecorderStats{Acquired: 1, Released: 1}, rec.Stats())
	assert.Equal(t, StateIdle, rec.State())
}
