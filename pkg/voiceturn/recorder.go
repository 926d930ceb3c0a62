package voiceturn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RecorderConfig holds capture settings.
type RecorderConfig struct {
	SampleRate       int
	Channels         int
	TimeSlice        time.Duration
	DurationInterval time.Duration
	EncodingPriority []string
	DeviceID         *int
	// Probe decides which encodings are available. Nil probes the linked
	// codecs for SampleRate and Channels.
	Probe EncodingProbe
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		SampleRate:       16000,
		Channels:         1,
		TimeSlice:        100 * time.Millisecond,
		DurationInterval: 200 * time.Millisecond,
		EncodingPriority: DefaultEncodingPriority(),
	}
}

// CaptureConfig is what a capture device is opened with.
type CaptureConfig struct {
	SampleRate int
	Channels   int
	DeviceID   *int
}

// PCMHandler receives interleaved PCM16 samples from a capture stream.
type PCMHandler func(samples []int16)

// CaptureDevice grants access to a microphone.
type CaptureDevice interface {
	Open(ctx context.Context, cfg CaptureConfig, onPCM PCMHandler) (CaptureStream, error)
}

// CaptureStream is an open capture handle. Close releases the device.
type CaptureStream interface {
	Start() error
	Stop() error
	Close() error
}

// RecorderStats counts device acquisitions and releases.
type RecorderStats struct {
	Acquired int
	Released int
}

// recording is the per-recording capture state shared with the chunk loop.
type recording struct {
	encoder   Encoder
	startedAt time.Time
	stoppedAt time.Time

	pcmMu sync.Mutex
	pcm   []int16

	// chunks and encodeErr belong to the chunk loop until done is closed.
	chunks    [][]byte
	encodeErr error

	halted   bool
	haltOnce sync.Once
	halt     chan struct{}
	done     chan struct{}
}

func newRecording(enc Encoder) *recording {
	return &recording{
		encoder: enc,
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (rec *recording) push(samples []int16) {
	rec.pcmMu.Lock()
	rec.pcm = append(rec.pcm, samples...)
	rec.pcmMu.Unlock()
}

func (rec *recording) drain() []int16 {
	rec.pcmMu.Lock()
	defer rec.pcmMu.Unlock()
	pcm := rec.pcm
	rec.pcm = nil
	return pcm
}

// Recorder owns the microphone for push-to-talk recordings. Each recording
// is captured in time slices, encoded chunk by chunk and finalized into a
// single Utterance when stopped.
type Recorder struct {
	cfg    RecorderConfig
	device CaptureDevice
	probe  EncodingProbe
	clock  func() time.Time
	log    *Logger

	mu               sync.Mutex
	state            RecorderState
	stream           CaptureStream
	rec              *recording
	duration         int
	lastErr          error
	stats            RecorderStats
	durationHandlers []DurationHandler
	levelHandlers    []LevelHandler

	acquiring      bool
	acquireAborted bool
	acquireCancel  context.CancelFunc

	pending pendingSlot
}

func NewRecorder(device CaptureDevice, cfg RecorderConfig, logger *Logger) *Recorder {
	defaults := DefaultRecorderConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaults.Channels
	}
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = defaults.TimeSlice
	}
	if cfg.DurationInterval <= 0 {
		cfg.DurationInterval = defaults.DurationInterval
	}
	if len(cfg.EncodingPriority) == 0 {
		cfg.EncodingPriority = defaults.EncodingPriority
	}
	probe := cfg.Probe
	if probe == nil {
		probe = CodecProbe{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	}
	if logger == nil {
		logger = GetGlobalLogger()
	}
	return &Recorder{
		cfg:    cfg,
		device: device,
		probe:  probe,
		clock:  time.Now,
		log:    logger.WithComponent("recorder"),
		state:  StateIdle,
	}
}

// Start acquires the capture device and begins recording. On failure every
// partially acquired resource is released, the recorder stays idle and the
// returned *Error is kept as LastError. The device is opened without holding
// the recorder lock, so a Cancel during acquisition aborts the start.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.acquiring {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	effects, err := r.apply(EventStart)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.lastErr = nil
	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.acquiring = true
	r.acquireAborted = false
	r.acquireCancel = cancel
	r.mu.Unlock()

	var acq acquisition
	for _, effect := range effects {
		if effect == EffectAcquire {
			acq, err = r.acquire(acqCtx)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	aborted := r.acquireAborted
	r.acquiring = false
	r.acquireAborted = false
	r.acquireCancel = nil

	if acq.stream != nil {
		r.stream = acq.stream
		r.rec = acq.rec
		r.stats.Acquired++
	}
	if aborted {
		r.release()
		r.log.LogAudioEvent("recording_cancelled", nil)
		return ErrRecordingCancelled
	}
	if err != nil {
		coded := classifyDeviceError(err)
		effects, _ := r.apply(EventAcquireFailed)
		_ = r.perform(effects, stopResult{err: coded})
		r.log.WithError(err).Warnf("Failed to start recording: %s", coded.Code)
		return coded
	}

	effects, err = r.apply(EventAcquired)
	if err != nil {
		return err
	}
	_ = r.perform(effects, stopResult{})

	r.log.LogAudioEvent("recording_started", map[string]interface{}{
		"encoding":    r.rec.encoder.MIMEType(),
		"sample_rate": r.cfg.SampleRate,
	})
	return nil
}

// Stop ends the recording and waits for the finalized utterance. With no
// active recording it releases anything held and returns nil. A Cancel that
// races with Stop resolves Stop with an empty utterance.
func (r *Recorder) Stop(ctx context.Context) (*Utterance, error) {
	r.mu.Lock()
	var cont *continuation
	if r.state == StateRecording {
		cont = newContinuation()
		r.pending.put(cont)
	}
	effects, err := r.apply(EventStop)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	_ = r.perform(effects, stopResult{})
	r.mu.Unlock()

	if cont == nil {
		return nil, nil
	}
	utterance, err := cont.wait(ctx)
	if utterance == nil && err == nil {
		return &Utterance{}, nil
	}
	return utterance, err
}

// Cancel halts and releases the device and resolves a pending Stop with an
// empty result. A Start still waiting on the device returns
// ErrRecordingCancelled. It is a no-op when idle.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acquiring {
		r.acquireAborted = true
		r.acquireCancel()
		return
	}

	wasActive := r.state != StateIdle
	effects, _ := r.apply(EventCancel)
	_ = r.perform(effects, stopResult{})
	if wasActive {
		r.log.LogAudioEvent("recording_cancelled", nil)
	}
}

func (r *Recorder) apply(ev Event) ([]Effect, error) {
	next, effects, err := Transition(r.state, ev)
	if err != nil {
		return nil, err
	}
	r.state = next
	return effects, nil
}

// perform runs effects in order. Must be called with r.mu held.
func (r *Recorder) perform(effects []Effect, res stopResult) error {
	for _, effect := range effects {
		switch effect {
		case EffectAcquire:
			// Start runs acquisition itself, outside the lock.
		case EffectBeginCapture:
			r.beginCapture()
		case EffectHaltCapture:
			r.haltCapture()
		case EffectFinalize:
			go r.finalize(r.rec)
		case EffectRelease:
			r.release()
		case EffectSettle:
			r.pending.settle(res)
		case EffectSettleEmpty:
			r.pending.settle(stopResult{utterance: &Utterance{}})
		case EffectRecordError:
			r.lastErr = res.err
		}
	}
	return nil
}

// acquisition is what a successful or partial acquire hands back to Start.
type acquisition struct {
	stream CaptureStream
	rec    *recording
}

// acquire runs without r.mu held and touches no recorder state.
func (r *Recorder) acquire(ctx context.Context) (acquisition, error) {
	if r.device == nil {
		return acquisition{}, ErrDeviceNotFound
	}

	mimeType, err := SelectEncoding(r.probe, r.cfg.EncodingPriority)
	if err != nil {
		return acquisition{}, NewEncodingError("no supported audio encoding", err)
	}
	enc, err := NewEncoder(mimeType, r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return acquisition{}, err
	}
	rec := newRecording(enc)

	stream, err := r.device.Open(ctx, CaptureConfig{
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
		DeviceID:   r.cfg.DeviceID,
	}, rec.push)
	if err != nil {
		return acquisition{}, err
	}
	acq := acquisition{stream: stream, rec: rec}
	if err := stream.Start(); err != nil {
		return acq, err
	}
	return acq, nil
}

func (r *Recorder) beginCapture() {
	rec := r.rec
	rec.startedAt = r.clock()
	r.duration = 0

	go r.chunkLoop(rec)
	go r.durationLoop(rec)
}

func (r *Recorder) haltCapture() {
	rec := r.rec
	if rec == nil || rec.halted {
		return
	}
	rec.halted = true
	rec.stoppedAt = r.clock()
	if r.stream != nil {
		if err := r.stream.Stop(); err != nil {
			r.log.WithError(err).Warn("Failed to stop capture stream")
		}
	}
	rec.haltOnce.Do(func() { close(rec.halt) })
}

func (r *Recorder) release() {
	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			r.log.WithError(err).Warn("Failed to close capture stream")
		}
		r.stream = nil
		r.stats.Released++
	}
	r.rec = nil
}

// chunkLoop encodes one chunk per time slice until capture halts, then
// flushes the encoder and signals done.
func (r *Recorder) chunkLoop(rec *recording) {
	defer close(rec.done)

	ticker := time.NewTicker(r.cfg.TimeSlice)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.emitChunk(rec, false)
		case <-rec.halt:
			r.emitChunk(rec, true)
			return
		}
	}
}

func (r *Recorder) emitChunk(rec *recording, final bool) {
	pcm := rec.drain()
	r.notifyLevel(pcm)
	chunk, err := rec.encoder.Encode(pcm)
	if err != nil {
		r.recordEncodeError(rec, err)
		return
	}
	if len(chunk) > 0 {
		rec.chunks = append(rec.chunks, chunk)
	}
	if !final {
		return
	}
	tail, err := rec.encoder.Flush()
	if err != nil {
		r.recordEncodeError(rec, err)
		return
	}
	if len(tail) > 0 {
		rec.chunks = append(rec.chunks, tail)
	}
}

func (r *Recorder) notifyLevel(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	r.mu.Lock()
	handlers := append([]LevelHandler(nil), r.levelHandlers...)
	r.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	level := MeasureLevel(pcm)
	for _, handler := range handlers {
		handler(level)
	}
}

func (r *Recorder) recordEncodeError(rec *recording, err error) {
	if rec.encodeErr == nil {
		rec.encodeErr = err
	}
	r.log.WithError(err).Error("Failed to encode audio chunk")
}

func (r *Recorder) durationLoop(rec *recording) {
	ticker := time.NewTicker(r.cfg.DurationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			seconds := int(r.clock().Sub(rec.startedAt) / time.Second)
			if seconds < 0 {
				seconds = 0
			}

			r.mu.Lock()
			if r.rec != rec {
				r.mu.Unlock()
				return
			}
			changed := r.duration != seconds
			r.duration = seconds
			handlers := append([]DurationHandler(nil), r.durationHandlers...)
			r.mu.Unlock()

			if changed {
				for _, handler := range handlers {
					handler(seconds)
				}
			}
		case <-rec.halt:
			return
		}
	}
}

// finalize waits for the chunk loop, joins the chunks and settles the pending
// Stop, unless the recording was cancelled in the meantime.
func (r *Recorder) finalize(rec *recording) {
	<-rec.done

	res := stopResult{}
	if rec.encodeErr != nil {
		res.err = rec.encodeErr
	} else {
		res.utterance = &Utterance{
			Data:     rec.encoder.Finalize(rec.chunks),
			MIMEType: rec.encoder.MIMEType(),
			Duration: rec.stoppedAt.Sub(rec.startedAt),
			Chunks:   len(rec.chunks),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != rec {
		return
	}
	effects, err := r.apply(EventFinalized)
	if err != nil {
		r.log.WithError(err).Error("Unexpected recorder state at finalize")
		return
	}
	_ = r.perform(effects, res)

	if res.utterance != nil {
		r.log.LogAudioEvent("recording_finalized", map[string]interface{}{
			"bytes":  len(res.utterance.Data),
			"chunks": res.utterance.Chunks,
		})
	}
}

// State returns the current recorder state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Duration returns the whole seconds elapsed in the current recording.
func (r *Recorder) Duration() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration
}

// LastError returns the error from the most recent failed Start.
func (r *Recorder) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// LastErrorMessage returns LastError as text for display.
func (r *Recorder) LastErrorMessage() string {
	return HumanMessage(r.LastError())
}

func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// OnDuration registers fn to be called whenever the elapsed seconds change.
func (r *Recorder) OnDuration(fn DurationHandler) {
	r.mu.Lock()
	r.durationHandlers = append(r.durationHandlers, fn)
	r.mu.Unlock()
}

// OnLevel registers fn to receive the input level of each time slice. fn
// runs on the encoding goroutine and must not call Stop or Cancel.
func (r *Recorder) OnLevel(fn LevelHandler) {
	r.mu.Lock()
	r.levelHandlers = append(r.levelHandlers, fn)
	r.mu.Unlock()
}

// IsPermissionDenied reports whether err is a microphone permission failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || IsErrorCode(err, ErrCodePermissionDenied)
}
