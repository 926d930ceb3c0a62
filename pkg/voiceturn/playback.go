package voiceturn

import (
	"context"
	"errors"
	"sync"
)

// AudioSink opens output streams.
type AudioSink interface {
	Open(sampleRate, channels int) (PlaybackStream, error)
}

// PlaybackStream is an open output handle. Play blocks until the samples
// have been rendered or ctx is done; Close releases the handle.
type PlaybackStream interface {
	Play(ctx context.Context, samples []int16) error
	Close() error
}

// PlayerStats counts output stream opens and closes.
type PlayerStats struct {
	Opened int
	Closed int
}

type activeClip struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Player plays one reply clip at a time. Starting a clip halts the current
// one first; every clip's stream is closed when it finishes, fails or is
// halted.
type Player struct {
	sink AudioSink
	log  *Logger

	// playMu serializes Play and Stop so only one clip is ever active.
	playMu sync.Mutex

	mu       sync.Mutex
	state    PlaybackState
	current  *activeClip
	lastErr  error
	stats    PlayerStats
	handlers []PlaybackStateHandler
}

func NewPlayer(sink AudioSink, logger *Logger) *Player {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	return &Player{
		sink:  sink,
		log:   logger.WithComponent("player"),
		state: IdlePlayback,
	}
}

// Play decodes a base64 reply payload and starts playing it. It returns once
// playback has started; decode and open failures are returned directly.
func (p *Player) Play(ctx context.Context, audioBase64, contentType string) error {
	clip, err := DecodeAudio(audioBase64, contentType)
	if err != nil {
		p.fail(err)
		return err
	}
	return p.PlayClip(ctx, clip)
}

// PlayClip starts playing an already decoded clip. Nothing is opened when ctx
// is already done.
func (p *Player) PlayClip(ctx context.Context, clip *Clip) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.halt()
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.sink == nil {
		err := NewPlaybackError("no audio output configured", nil)
		p.fail(err)
		return err
	}
	stream, err := p.sink.Open(clip.SampleRate, clip.Channels)
	if err != nil {
		perr := NewPlaybackError("failed to open output stream", err)
		p.fail(perr)
		return perr
	}

	playCtx, cancel := context.WithCancel(ctx)
	active := &activeClip{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.stats.Opened++
	p.current = active
	p.lastErr = nil
	p.mu.Unlock()
	p.setState(PlayingPlayback)

	p.log.LogAudioEvent("playback_started", map[string]interface{}{
		"sample_rate": clip.SampleRate,
		"seconds":     clip.Duration(),
	})

	go p.run(playCtx, active, stream, clip)
	return nil
}

func (p *Player) run(ctx context.Context, active *activeClip, stream PlaybackStream, clip *Clip) {
	defer close(active.done)
	defer active.cancel()

	playErr := stream.Play(ctx, clip.Samples)
	if err := stream.Close(); err != nil {
		p.log.WithError(err).Warn("Failed to close output stream")
	}

	p.mu.Lock()
	p.stats.Closed++
	isCurrent := p.current == active
	if isCurrent {
		p.current = nil
	}
	p.mu.Unlock()

	if !isCurrent {
		return
	}
	if playErr != nil && !errors.Is(playErr, context.Canceled) {
		p.fail(NewPlaybackError("playback failed", playErr))
		return
	}
	p.setState(IdlePlayback)
}

// halt cancels the active clip and waits for its stream to be closed.
func (p *Player) halt() {
	p.mu.Lock()
	active := p.current
	p.current = nil
	p.mu.Unlock()

	if active == nil {
		return
	}
	active.cancel()
	<-active.done
}

// Stop halts the active clip, if any.
func (p *Player) Stop() {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.mu.Lock()
	wasPlaying := p.current != nil
	p.mu.Unlock()

	p.halt()
	if wasPlaying {
		p.setState(IdlePlayback)
	}
}

// Wait blocks until the active clip, if any, finishes.
func (p *Player) Wait(ctx context.Context) error {
	p.mu.Lock()
	active := p.current
	p.mu.Unlock()
	if active == nil {
		return nil
	}
	select {
	case <-active.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Player) fail(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.log.WithError(err).Warn("Playback error")
	p.setState(ErrorPlayback)
}

func (p *Player) setState(state PlaybackState) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	handlers := append([]PlaybackStateHandler(nil), p.handlers...)
	p.mu.Unlock()

	for _, handler := range handlers {
		handler(state)
	}
}

// IsPlaying reports whether a clip is playing. For display only.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == PlayingPlayback
}

func (p *Player) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Player) Stats() PlayerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// OnStateChange registers fn for playback state changes.
func (p *Player) OnStateChange(fn PlaybackStateHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}
