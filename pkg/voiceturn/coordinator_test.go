package voiceturn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

type coordinatorFixture struct {
	coord   *Coordinator
	svc     *fakeService
	capture *fakeCapture
	sink    *fakeSink
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		svc:     newFakeService(),
		capture: &fakeCapture{},
		sink:    &fakeSink{},
	}
	f.coord = NewCoordinator(CoordinatorOptions{
		Service:  f.svc,
		Recorder: newTestRecorder(f.capture),
		Player:   NewPlayer(f.sink, NopLogger()),
		Policy:   TurnPolicy{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond},
		Logger:   NopLogger(),
	})
	t.Cleanup(f.coord.Close)

	_, err := f.coord.StartSession(context.Background(), "default")
	require.NoError(t, err)
	return f
}

// speak records one utterance and runs the turn.
func (f *coordinatorFixture) speak(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.coord.Toggle(ctx))
	require.Equal(t, StateRecording, f.coord.State())
	f.capture.last().feed(tone(1600))
	return f.coord.Toggle(ctx)
}

func userMessages(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Role == RoleUser {
			out = append(out, m)
		}
	}
	return out
}

func TestCoordinatorStartSessionAddsGreeting(t *testing.T) {
	f := newCoordinatorFixture(t)

	msgs := f.coord.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello there", msgs[0].Content)
	assert.True(t, f.coord.Active())
	assert.Equal(t, "sess-1", f.coord.SessionID())
	assert.Equal(t, "Tester", f.coord.AgentName())
}

func TestCoordinatorSuccessfulTurn(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(scriptedTurn{result: &conversation.TurnResult{
		Transcript:       "what time is it",
		Reply:            "It is noon.",
		AudioBase64:      wavBase64(t, tone(480), 24000),
		AudioContentType: "audio/wav",
		STTMs:            100,
		LLMMs:            250,
		TTSMs:            100,
		TokensUsed:       42,
		ToolCalls:        []conversation.ToolCall{{Name: "clock", Result: "12:00"}},
	}})

	require.NoError(t, f.speak(t))

	msgs := f.coord.Messages()
	require.Len(t, msgs, 3)
	user, reply := msgs[1], msgs[2]
	assert.Equal(t, RoleUser, user.Role)
	assert.Equal(t, "what time is it", user.Content)
	assert.Equal(t, RoleAssistant, reply.Role)
	assert.Equal(t, "It is noon.", reply.Content)
	assert.Equal(t, 450.0, reply.LatencyMs)
	assert.Equal(t, user.TurnID, reply.TurnID)
	require.NotNil(t, reply.ToolCall)
	assert.Equal(t, "clock", reply.ToolCall.Name)

	latency, ok := f.coord.Latency()
	require.True(t, ok)
	assert.Equal(t, 450.0, latency.TotalMs)
	assert.Equal(t, SessionStats{TokensUsed: 42, Turns: 1}, f.coord.Stats())

	require.Len(t, f.svc.uploads, 1)
	assert.Equal(t, FormatWAV, f.svc.uploads[0].MIMEType)
	assert.NotEmpty(t, f.svc.uploads[0].Data)

	require.Eventually(t, func() bool {
		opened, closed := f.sink.counts()
		return opened == 1 && closed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, f.coord.State())
	assert.True(t, f.coord.Active())
}

func TestCoordinatorNoSpeechRemovesPlaceholder(t *testing.T) {
	cases := map[string]*conversation.TurnResult{
		"explicit marker":        {NoSpeech: true, Transcript: "ignored"},
		"empty transcript+reply": {Transcript: "  ", Reply: ""},
	}
	for name, result := range cases {
		t.Run(name, func(t *testing.T) {
			f := newCoordinatorFixture(t)
			f.svc.script(scriptedTurn{result: result})

			require.NoError(t, f.speak(t))

			msgs := f.coord.Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, "Hello there", msgs[0].Content)
			assert.Equal(t, SessionStats{}, f.coord.Stats())
			_, ok := f.coord.Latency()
			assert.False(t, ok)
		})
	}
}

func TestCoordinatorReplyWithoutTranscript(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(scriptedTurn{result: &conversation.TurnResult{Reply: "Sorry?"}})

	require.NoError(t, f.speak(t))

	msgs := f.coord.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, NoSpeechMarker, msgs[1].Content)
	assert.Equal(t, SessionStats{}, f.coord.Stats())
}

func TestCoordinatorTranscriptWithoutReply(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(scriptedTurn{result: &conversation.TurnResult{Transcript: "hello?"}})

	require.NoError(t, f.speak(t))

	msgs := f.coord.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello?", msgs[1].Content)
	opened, _ := f.sink.counts()
	assert.Zero(t, opened)
}

func TestCoordinatorBackendFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(scriptedTurn{err: conversation.NewBackendError(502, "speech provider unavailable")})

	err := f.speak(t)
	require.Error(t, err)
	assert.True(t, conversation.IsBackendError(err))

	msgs := f.coord.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, ErrorMarker, msgs[1].Content)
	assert.Equal(t, RoleSystem, msgs[2].Role)
	assert.Equal(t, "speech provider unavailable", msgs[2].Content)
	assert.Equal(t, 1, f.svc.calls(), "backend errors are not retried")
	assert.True(t, f.coord.Active())

	// The session stays usable.
	f.svc.script(scriptedTurn{result: &conversation.TurnResult{Transcript: "again", Reply: "ok"}})
	require.NoError(t, f.speak(t))
	assert.Equal(t, 1, f.coord.Stats().Turns)
}

func TestCoordinatorRetriesNetworkFailureOnce(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(
		scriptedTurn{err: conversation.NewNetworkError("POST failed", errors.New("connection reset"))},
		scriptedTurn{result: &conversation.TurnResult{Transcript: "hi", Reply: "hello"}},
	)

	require.NoError(t, f.speak(t))
	assert.Equal(t, 2, f.svc.calls())
	assert.Equal(t, 1, f.coord.Stats().Turns)
}

func TestCoordinatorNetworkFailureUsesGenericMessage(t *testing.T) {
	f := newCoordinatorFixture(t)
	netErr := conversation.NewNetworkError("POST failed", errors.New("connection refused"))
	f.svc.script(scriptedTurn{err: netErr}, scriptedTurn{err: netErr})

	err := f.speak(t)
	require.Error(t, err)
	assert.Equal(t, 2, f.svc.calls())

	msgs := f.coord.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, ErrorMarker, msgs[1].Content)
	assert.Equal(t, GenericTurnFailure, msgs[2].Content)
}

func TestCoordinatorTimeoutIsRetriedAsNetworkFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.coord.policy.Timeout = 20 * time.Millisecond
	f.svc.gate = make(chan struct{})

	err := f.speak(t)
	require.Error(t, err)
	var convErr *conversation.Error
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, conversation.ErrCodeNetwork, convErr.Code)
	assert.Equal(t, 2, f.svc.calls())
}

func TestCoordinatorLatencyOverwrittenBySecondTurn(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(
		scriptedTurn{result: &conversation.TurnResult{Transcript: "one", Reply: "1", STTMs: 100, LLMMs: 250, TTSMs: 100, TokensUsed: 3}},
		scriptedTurn{result: &conversation.TurnResult{Transcript: "two", Reply: "2", STTMs: 10, LLMMs: 20, TTSMs: 30, TokensUsed: 4}},
	)

	require.NoError(t, f.speak(t))
	require.NoError(t, f.speak(t))

	latency, ok := f.coord.Latency()
	require.True(t, ok)
	assert.Equal(t, LatencyBreakdown{STTMs: 10, LLMMs: 20, TTSMs: 30, TotalMs: 60}, latency)
	assert.Equal(t, SessionStats{TokensUsed: 7, Turns: 2}, f.coord.Stats())
	assert.Len(t, userMessages(f.coord.Messages()), 2)
}

func TestCoordinatorDoneEndsSession(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(scriptedTurn{result: &conversation.TurnResult{Transcript: "bye", Reply: "Goodbye!", Done: true}})

	require.NoError(t, f.speak(t))
	assert.False(t, f.coord.Active())
	assert.ErrorIs(t, f.coord.Toggle(context.Background()), ErrNoSession)
}

func TestCoordinatorRejectsToggleWhileProcessing(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.gate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, f.coord.Toggle(ctx))
	f.capture.last().feed(tone(1600))

	turnErr := make(chan error, 1)
	go func() { turnErr <- f.coord.Toggle(ctx) }()

	require.Eventually(t, func() bool { return f.svc.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateProcessing, f.coord.State())
	assert.ErrorIs(t, f.coord.Toggle(ctx), ErrTurnInProgress)

	msgs := f.coord.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, SpeakingPlaceholder, msgs[1].Content)

	// Ending the session cancels the in-flight request.
	require.NoError(t, f.coord.EndSession(ctx))
	select {
	case err := <-turnErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn was not cancelled")
	}
	assert.Equal(t, []string{"sess-1"}, f.svc.ended)
	assert.False(t, f.coord.Active())
}

func TestCoordinatorEmptyRecordingSkipsTurn(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.Toggle(ctx))
	require.NoError(t, f.coord.Toggle(ctx))
	assert.Zero(t, f.svc.calls())
	assert.Len(t, f.coord.Messages(), 1)
}

func TestCoordinatorToggleSurfacesPermissionError(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.capture.openErr = ErrPermissionDenied

	err := f.coord.Toggle(context.Background())
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Equal(t, msgPermissionDenied, f.coord.recorder.LastErrorMessage())
	assert.Equal(t, RecorderStats{}, f.coord.recorder.Stats())
}

func TestCoordinatorResetHaltsEverything(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.coord.Toggle(context.Background()))

	f.coord.Reset()

	assert.Equal(t, StateIdle, f.coord.State())
	assert.Empty(t, f.coord.Messages())
	assert.False(t, f.coord.Active())
	opened, closed := f.capture.counts()
	assert.Equal(t, opened, closed)
}

func TestCoordinatorSendText(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.textReply = &conversation.TextReply{Reply: "Hi!", TokensUsed: 5, LatencyMs: 321}

	reply, err := f.coord.SendText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi!", reply.Reply)

	msgs := f.coord.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, 321.0, msgs[2].LatencyMs)
	assert.Equal(t, SessionStats{TokensUsed: 5, Turns: 1}, f.coord.Stats())
}

func TestCoordinatorSendTextFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.textErr = conversation.NewBackendError(404, "session not found")

	_, err := f.coord.SendText(context.Background(), "hello")
	require.Error(t, err)

	msgs := f.coord.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[2].Role)
	assert.Equal(t, "session not found", msgs[2].Content)
}

func TestCoordinatorOnMessagesReceivesSnapshots(t *testing.T) {
	f := newCoordinatorFixture(t)
	var snapshots [][]Message
	f.coord.OnMessages(func(msgs []Message) { snapshots = append(snapshots, msgs) })
	f.svc.script(scriptedTurn{result: &conversation.TurnResult{Transcript: "hey", Reply: "yo"}})

	require.NoError(t, f.speak(t))

	require.Len(t, snapshots, 2)
	assert.Equal(t, SpeakingPlaceholder, snapshots[0][1].Content)
	assert.Equal(t, "hey", snapshots[1][1].Content)
}

func TestCoordinatorWithoutSession(t *testing.T) {
	coord := NewCoordinator(CoordinatorOptions{
		Service:  newFakeService(),
		Recorder: newTestRecorder(&fakeCapture{}),
		Logger:   NopLogger(),
	})
	defer coord.Close()

	assert.ErrorIs(t, coord.Toggle(context.Background()), ErrNoSession)
	_, err := coord.SendText(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NoError(t, coord.EndSession(context.Background()))
}

func TestCoordinatorCapability(t *testing.T) {
	f := newCoordinatorFixture(t)
	capability, err := f.coord.Capability(context.Background())
	require.NoError(t, err)
	assert.True(t, capability.STTAvailable)
	assert.Equal(t, "fake", capability.TTSProvider)
}

func TestCoordinatorEndSessionDuringTurnRemovesPlaceholder(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.gate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, f.coord.Toggle(ctx))
	f.capture.last().feed(tone(1600))

	turnErr := make(chan error, 1)
	go func() { turnErr <- f.coord.Toggle(ctx) }()
	require.Eventually(t, func() bool { return f.svc.calls() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, userMessages(f.coord.Messages()), 1)

	require.NoError(t, f.coord.EndSession(ctx))
	select {
	case err := <-turnErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn was not cancelled")
	}

	msgs := f.coord.Messages()
	require.Len(t, msgs, 1, "transcript is kept without the unfinished turn")
	assert.Equal(t, "Hello there", msgs[0].Content)
	assert.Empty(t, userMessages(msgs))
}

func TestCoordinatorResetBeforeReplyAudioSkipsPlayback(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.svc.script(scriptedTurn{result: &conversation.TurnResult{
		Transcript:       "play something",
		Reply:            "Here you go.",
		AudioBase64:      wavBase64(t, tone(480), 24000),
		AudioContentType: "audio/wav",
	}})

	var once sync.Once
	f.coord.OnMessages(func(msgs []Message) {
		for _, m := range msgs {
			if m.Role == RoleAssistant && m.Content == "Here you go." {
				once.Do(f.coord.Reset)
			}
		}
	})

	require.NoError(t, f.speak(t))

	opened, _ := f.sink.counts()
	assert.Zero(t, opened, "reply audio must not start after the session was reset")
	assert.Equal(t, IdlePlayback, f.coord.player.State())
	assert.Empty(t, f.coord.Messages())
	assert.False(t, f.coord.Active())
}

func TestCoordinatorStartSessionEndsPreviousSession(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := f.coord.StartSession(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, f.svc.ended)
	assert.True(t, f.coord.Active())
	require.Len(t, f.coord.Messages(), 1)

	require.NoError(t, f.coord.EndSession(ctx))
	assert.Equal(t, []string{"sess-1", "sess-1"}, f.svc.ended)
}
