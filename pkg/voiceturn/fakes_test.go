package voiceturn

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

// probeOnly supports exactly the listed encodings.
type probeOnly map[string]bool

func (p probeOnly) IsSupported(mimeType string) bool { return p[mimeType] }

func wavOnly() EncodingProbe { return probeOnly{FormatWAV: true} }

type fakeCapture struct {
	mu       sync.Mutex
	openErr  error
	startErr error
	opened   int
	closed   int
	streams  []*fakeStream

	// gate, when set, holds Open until closed. Unless grantLate is set a
	// done ctx ends the wait with ctx.Err(). entered is signalled on every
	// Open before waiting.
	gate      chan struct{}
	grantLate bool
	entered   chan struct{}
}

func (f *fakeCapture) Open(ctx context.Context, cfg CaptureConfig, onPCM PCMHandler) (CaptureStream, error) {
	f.mu.Lock()
	gate, grantLate, entered := f.gate, f.grantLate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		if grantLate {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeStream{owner: f, onPCM: onPCM, startErr: f.startErr}
	f.opened++
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeCapture) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

func (f *fakeCapture) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeStream struct {
	owner    *fakeCapture
	onPCM    PCMHandler
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
}

func (s *fakeStream) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.owner.mu.Lock()
	s.owner.closed++
	s.owner.mu.Unlock()
	return nil
}

func (s *fakeStream) feed(samples []int16) { s.onPCM(samples) }

// fakeSink opens streams that finish at once unless hold is set, in which
// case Play blocks until its context is cancelled. playErr fails every Play.
type fakeSink struct {
	mu      sync.Mutex
	hold    bool
	openErr error
	playErr error
	opened  int
	closed  int
	played  [][]int16
	rates   []int
}

func (f *fakeSink) Open(sampleRate, channels int) (PlaybackStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	f.rates = append(f.rates, sampleRate)
	return &fakePlayback{owner: f, hold: f.hold, playErr: f.playErr}, nil
}

func (f *fakeSink) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type fakePlayback struct {
	owner   *fakeSink
	hold    bool
	playErr error
}

func (p *fakePlayback) Play(ctx context.Context, samples []int16) error {
	p.owner.mu.Lock()
	p.owner.played = append(p.owner.played, samples)
	p.owner.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	if !p.hold {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePlayback) Close() error {
	p.owner.mu.Lock()
	p.owner.closed++
	p.owner.mu.Unlock()
	return nil
}

// fakeService answers audio turns from a queue of scripted responses.
type fakeService struct {
	mu         sync.Mutex
	session    conversation.Session
	turns      []scriptedTurn
	audioCalls int
	uploads    []conversation.AudioUpload
	textReply  *conversation.TextReply
	textErr    error
	ended      []string
	// gate, when set, holds SendAudioTurn until closed or ctx is done.
	gate       chan struct{}
}

type scriptedTurn struct {
	result *conversation.TurnResult
	err    error
}

func newFakeService() *fakeService {
	return &fakeService{session: conversation.Session{
		SessionID:    "sess-1",
		AgentName:    "Tester",
		Model:        "test-model",
		FirstMessage: "Hello there",
	}}
}

func (f *fakeService) script(turns ...scriptedTurn) {
	f.mu.Lock()
	f.turns = append(f.turns, turns...)
	f.mu.Unlock()
}

func (f *fakeService) StartSession(ctx context.Context, agentID string) (*conversation.Session, error) {
	s := f.session
	return &s, nil
}

func (f *fakeService) SendText(ctx context.Context, sessionID, text string) (*conversation.TextReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.textReply, f.textErr
}

func (f *fakeService) SendAudioTurn(ctx context.Context, sessionID string, audio conversation.AudioUpload) (*conversation.TurnResult, error) {
	f.mu.Lock()
	f.audioCalls++
	f.uploads = append(f.uploads, audio)
	gate := f.gate
	var next scriptedTurn
	if len(f.turns) > 0 {
		next = f.turns[0]
		f.turns = f.turns[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if next.err != nil {
		return nil, next.err
	}
	if next.result == nil {
		return &conversation.TurnResult{}, nil
	}
	return next.result, nil
}

func (f *fakeService) EndSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.ended = append(f.ended, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) AudioCapability(ctx context.Context) (*conversation.AudioCapability, error) {
	return &conversation.AudioCapability{STTAvailable: true, TTSAvailable: true, STTProvider: "fake", TTSProvider: "fake"}, nil
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioCalls
}

// fakeClock is a settable clock safe for use from recorder goroutines.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRecorderConfig() RecorderConfig {
	cfg := DefaultRecorderConfig()
	cfg.TimeSlice = 10 * time.Millisecond
	cfg.DurationInterval = 5 * time.Millisecond
	cfg.Probe = wavOnly()
	return cfg
}

func newTestRecorder(capture CaptureDevice) *Recorder {
	return NewRecorder(capture, testRecorderConfig(), NopLogger())
}

func tone(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16((i % 100) * 100)
	}
	return samples
}

func wavBase64(t *testing.T, samples []int16, rate int) string {
	t.Helper()
	enc, err := NewEncoder(FormatWAV, rate, 1)
	require.NoError(t, err)
	chunk, err := enc.Encode(samples)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(enc.Finalize([][]byte{chunk}))
}
