package voiceturn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

// TurnPolicy bounds each Conversation Service call.
type TurnPolicy struct {
	// Timeout applies to each attempt.
	Timeout time.Duration
	// Retries is how many extra attempts a network failure gets.
	Retries    int
	RetryDelay time.Duration
}

func DefaultTurnPolicy() TurnPolicy {
	return TurnPolicy{
		Timeout:    30 * time.Second,
		Retries:    1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Coordinator drives push-to-talk turns for one conversation session: it
// toggles the recorder, submits the utterance, reconciles the transcript and
// hands reply audio to the player.
type Coordinator struct {
	service  conversation.Service
	recorder *Recorder
	player   *Player
	latency  *LatencyTracker
	policy   TurnPolicy
	log      *Logger

	mu         sync.Mutex
	sessionID  string
	agentName  string
	active     bool
	generation int
	busy       bool
	turnCancel context.CancelFunc

	// playCtx lives as long as the coordinator; replyCtx is its child for
	// the current session and is replaced whenever activity is halted.
	playCtx     context.Context
	playCancel  context.CancelFunc
	replyCtx    context.Context
	replyCancel context.CancelFunc

	messages []Message
	stats    SessionStats
	handlers []MessagesHandler
}

// CoordinatorOptions wires a Coordinator. Player may be nil when replies are
// not to be played.
type CoordinatorOptions struct {
	Service  conversation.Service
	Recorder *Recorder
	Player   *Player
	Latency  *LatencyTracker
	Policy   TurnPolicy
	Logger   *Logger
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Latency == nil {
		opts.Latency = NewLatencyTracker()
	}
	defaults := DefaultTurnPolicy()
	if opts.Policy.Timeout <= 0 {
		opts.Policy.Timeout = defaults.Timeout
	}
	if opts.Policy.Retries < 0 {
		opts.Policy.Retries = 0
	}
	if opts.Logger == nil {
		opts.Logger = GetGlobalLogger()
	}
	playCtx, playCancel := context.WithCancel(context.Background())
	replyCtx, replyCancel := context.WithCancel(playCtx)
	return &Coordinator{
		service:     opts.Service,
		recorder:    opts.Recorder,
		player:      opts.Player,
		latency:     opts.Latency,
		policy:      opts.Policy,
		log:         opts.Logger.WithComponent("coordinator"),
		playCtx:     playCtx,
		playCancel:  playCancel,
		replyCtx:    replyCtx,
		replyCancel: replyCancel,
	}
}

// StartSession opens a session with the agent, clearing the transcript,
// counters and latency of any previous session. A session still open on the
// service is ended first.
func (c *Coordinator) StartSession(ctx context.Context, agentID string) (*conversation.Session, error) {
	c.haltActivity()

	c.mu.Lock()
	previous := c.sessionID
	if previous != "" {
		c.generation++
		c.sessionID = ""
		c.active = false
	}
	c.mu.Unlock()
	if previous != "" {
		if err := c.service.EndSession(ctx, previous); err != nil {
			c.log.WithError(err).WithField("session_id", previous).Warn("Failed to end previous session")
		}
	}

	var session *conversation.Session
	err := c.withPolicy(ctx, "start_session", func(ctx context.Context) error {
		var err error
		session, err = c.service.StartSession(ctx, agentID)
		return err
	})
	if err != nil {
		c.log.WithError(err).Error("Failed to start session")
		return nil, err
	}

	c.latency.Reset()
	c.mu.Lock()
	c.generation++
	c.sessionID = session.SessionID
	c.agentName = session.AgentName
	c.active = true
	c.messages = nil
	c.stats = SessionStats{}
	if session.FirstMessage != "" {
		c.messages = append(c.messages, c.newMessage("", RoleAssistant, session.FirstMessage))
	}
	c.mu.Unlock()
	c.notify()

	c.log.WithFields(map[string]interface{}{
		"session_id": session.SessionID,
		"agent":      session.AgentName,
		"model":      session.Model,
	}).Info("Session started")
	return session, nil
}

// Toggle advances push-to-talk: idle starts recording, recording stops it and
// runs the turn, and a turn still being processed is rejected with
// ErrTurnInProgress. A failed turn is recorded in the transcript and also
// returned.
func (c *Coordinator) Toggle(ctx context.Context) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	if !c.active {
		c.mu.Unlock()
		return ErrNoSession
	}

	switch c.recorder.State() {
	case StateIdle:
		c.mu.Unlock()
		return c.recorder.Start(ctx)
	case StateRecording:
		c.busy = true
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return ErrTurnInProgress
	}

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	utterance, err := c.recorder.Stop(ctx)
	if err != nil {
		c.log.WithError(err).Error("Failed to finalize recording")
		return err
	}
	if utterance.Empty() {
		c.log.Debug("Recording produced no audio, skipping turn")
		return nil
	}
	return c.submitTurn(ctx, utterance)
}

// SubmitUtterance runs one audio turn for an already encoded utterance.
func (c *Coordinator) SubmitUtterance(ctx context.Context, utterance *Utterance) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	if !c.active {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.busy = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()
	if utterance.Empty() {
		return nil
	}
	return c.submitTurn(ctx, utterance)
}

func (c *Coordinator) submitTurn(ctx context.Context, utterance *Utterance) error {
	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	sessionID := c.sessionID
	generation := c.generation
	replyCtx := c.replyCtx
	c.turnCancel = cancel
	c.messages = append(c.messages, c.newMessage(turnID, RoleUser, SpeakingPlaceholder))
	c.mu.Unlock()
	c.notify()

	c.log.LogTurnEvent("turn_submitted", turnID, map[string]interface{}{
		"bytes":     len(utterance.Data),
		"mime_type": utterance.MIMEType,
	})

	var result *conversation.TurnResult
	err := c.withPolicy(turnCtx, "audio_turn", func(ctx context.Context) error {
		var err error
		result, err = c.service.SendAudioTurn(ctx, sessionID, conversation.AudioUpload{
			Data:     utterance.Data,
			MIMEType: utterance.MIMEType,
		})
		return err
	})

	c.mu.Lock()
	c.turnCancel = nil
	if c.generation != generation {
		// Session was ended or reset while the turn was in flight. After a
		// Reset the placeholder is already gone.
		c.removeTurn(turnID)
		c.mu.Unlock()
		c.notify()
		return context.Canceled
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.removeTurn(turnID)
			c.mu.Unlock()
			c.notify()
			return err
		}
		c.replaceTurn(turnID, ErrorMarker)
		detail := conversation.Detail(err)
		if detail == "" {
			detail = GenericTurnFailure
		}
		c.messages = append(c.messages, c.newMessage(turnID, RoleSystem, detail))
		c.mu.Unlock()
		c.notify()
		c.log.WithError(err).WithField("turn_id", turnID).Error("Turn failed")
		return err
	}

	transcript := strings.TrimSpace(result.Transcript)
	reply := strings.TrimSpace(result.Reply)

	if result.NoSpeech || (transcript == "" && reply == "") {
		c.removeTurn(turnID)
		c.mu.Unlock()
		c.notify()
		c.log.LogTurnEvent("no_speech", turnID, nil)
		return nil
	}

	if transcript == "" {
		c.replaceTurn(turnID, NoSpeechMarker)
	} else {
		c.replaceTurn(turnID, transcript)
	}

	playAudio := false
	if transcript != "" && reply != "" {
		breakdown := c.latency.Update(result.STTMs, result.LLMMs, result.TTSMs)
		msg := c.newMessage(turnID, RoleAssistant, reply)
		msg.LatencyMs = breakdown.TotalMs
		msg.ToolCall = result.FirstToolCall()
		c.messages = append(c.messages, msg)
		c.stats.TokensUsed += result.TokensUsed
		c.stats.Turns++
		if result.Done {
			c.active = false
		}
		playAudio = result.HasAudio() && c.player != nil
	}
	c.mu.Unlock()
	c.notify()

	c.log.LogTurnEvent("turn_completed", turnID, map[string]interface{}{
		"stt_ms": result.STTMs,
		"llm_ms": result.LLMMs,
		"tts_ms": result.TTSMs,
		"done":   result.Done,
	})

	if playAudio {
		// replyCtx is cancelled once the session ends or is reset.
		err := c.player.Play(replyCtx, result.AudioBase64, result.AudioContentType)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.WithError(err).WithField("turn_id", turnID).Warn("Failed to play reply audio")
		}
	}
	return nil
}

// SendText runs a text turn. A failure is recorded in the transcript and
// returned.
func (c *Coordinator) SendText(ctx context.Context, text string) (*conversation.TextReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("voiceturn: empty message")
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	sessionID := c.sessionID
	generation := c.generation
	turnID := uuid.NewString()
	c.messages = append(c.messages, c.newMessage(turnID, RoleUser, text))
	c.mu.Unlock()
	c.notify()

	var reply *conversation.TextReply
	err := c.withPolicy(ctx, "send_text", func(ctx context.Context) error {
		var err error
		reply, err = c.service.SendText(ctx, sessionID, text)
		return err
	})

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return nil, context.Canceled
	}
	if err != nil {
		detail := conversation.Detail(err)
		if detail == "" {
			detail = GenericTurnFailure
		}
		c.messages = append(c.messages, c.newMessage(turnID, RoleSystem, detail))
		c.mu.Unlock()
		c.notify()
		return nil, err
	}

	if reply.Reply != "" {
		msg := c.newMessage(turnID, RoleAssistant, reply.Reply)
		msg.LatencyMs = reply.LatencyMs
		if len(reply.ToolCalls) > 0 {
			call := reply.ToolCalls[0]
			msg.ToolCall = &call
		}
		c.messages = append(c.messages, msg)
	}
	c.stats.TokensUsed += reply.TokensUsed
	c.stats.Turns++
	if reply.Done {
		c.active = false
	}
	c.mu.Unlock()
	c.notify()
	return reply, nil
}

// EndSession halts recording, the in-flight turn and playback, then closes
// the session on the service. The transcript is kept.
func (c *Coordinator) EndSession(ctx context.Context) error {
	c.haltActivity()

	c.mu.Lock()
	sessionID := c.sessionID
	c.generation++
	c.sessionID = ""
	c.active = false
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	if err := c.service.EndSession(ctx, sessionID); err != nil {
		c.log.WithError(err).Warn("Failed to end session")
		return err
	}
	c.log.WithField("session_id", sessionID).Info("Session ended")
	return nil
}

// Reset halts all activity and clears the session locally.
func (c *Coordinator) Reset() {
	c.haltActivity()
	c.latency.Reset()

	c.mu.Lock()
	c.generation++
	c.sessionID = ""
	c.agentName = ""
	c.active = false
	c.messages = nil
	c.stats = SessionStats{}
	c.mu.Unlock()
	c.notify()
}

// Close ends all activity for good.
func (c *Coordinator) Close() {
	c.Reset()
	c.playCancel()
}

func (c *Coordinator) haltActivity() {
	if c.recorder != nil {
		c.recorder.Cancel()
	}
	c.mu.Lock()
	cancel := c.turnCancel
	c.turnCancel = nil
	c.replyCancel()
	c.replyCtx, c.replyCancel = context.WithCancel(c.playCtx)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.player != nil {
		c.player.Stop()
	}
}

// withPolicy runs fn under the per-attempt timeout, retrying network failures.
func (c *Coordinator) withPolicy(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := 1 + c.policy.Retries
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var convErr *conversation.Error
		if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &convErr) {
			err = conversation.NewNetworkError(op+" timed out", err)
		}
		if attempt >= attempts || !conversation.IsRetryableError(err) {
			return err
		}

		c.log.WithError(err).WithField("attempt", attempt).Warnf("%s failed, retrying", op)
		select {
		case <-time.After(c.policy.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// newMessage must be called with c.mu held.
func (c *Coordinator) newMessage(turnID string, role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		TurnID:    turnID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// replaceTurn rewrites the user placeholder of turnID. Must hold c.mu.
func (c *Coordinator) replaceTurn(turnID, content string) {
	for i := range c.messages {
		if c.messages[i].TurnID == turnID && c.messages[i].Role == RoleUser {
			c.messages[i].Content = content
			return
		}
	}
}

// removeTurn drops the user placeholder of turnID. Must hold c.mu.
func (c *Coordinator) removeTurn(turnID string) {
	for i := range c.messages {
		if c.messages[i].TurnID == turnID && c.messages[i].Role == RoleUser {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	if len(c.handlers) == 0 {
		c.mu.Unlock()
		return
	}
	snapshot := append([]Message(nil), c.messages...)
	handlers := append([]MessagesHandler(nil), c.handlers...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(snapshot)
	}
}

// Capability reports which audio stages the service offers.
func (c *Coordinator) Capability(ctx context.Context) (*conversation.AudioCapability, error) {
	var capability *conversation.AudioCapability
	err := c.withPolicy(ctx, "audio_capability", func(ctx context.Context) error {
		var err error
		capability, err = c.service.AudioCapability(ctx)
		return err
	})
	return capability, err
}

// Messages returns a copy of the transcript.
func (c *Coordinator) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *Coordinator) Stats() SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Active reports whether the session can take more turns.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Coordinator) AgentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentName
}

// Latency returns the breakdown of the most recent completed turn.
func (c *Coordinator) Latency() (LatencyBreakdown, bool) {
	return c.latency.Current()
}

// State reports processing while a turn is in flight, otherwise the
// recorder's state.
func (c *Coordinator) State() RecorderState {
	c.mu.Lock()
	busy := c.busy
	c.mu.Unlock()
	if busy {
		return StateProcessing
	}
	return c.recorder.State()
}

// OnMessages registers fn to receive the transcript after every change.
func (c *Coordinator) OnMessages(fn MessagesHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}
