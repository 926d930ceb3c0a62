// Package devserver is a local stand-in for the Conversation Service. It
// echoes text and describes uploaded audio instead of running real speech
// recognition, reasoning or synthesis, and answers with a short tone so the
// playback path can be exercised end to end.
package devserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn"
	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

// Reported stage timings of every audio turn, in milliseconds.
const (
	STTMs = 120
	LLMMs = 250
	TTSMs = 80
)

// Options configures a Server.
type Options struct {
	// APIKey, when set, makes every route require a bearer token minted from it.
	APIKey string
	// ToneSampleRate and ToneDuration shape the reply audio.
	ToneSampleRate int
	ToneDuration   time.Duration
	Logger         zerolog.Logger
}

type session struct {
	id      string
	agentID string
	turns   int
	started time.Time
}

// Server serves the REST and WebSocket bindings of the Conversation Service.
type Server struct {
	app  *fiber.App
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(opts Options) *Server {
	if opts.ToneSampleRate <= 0 {
		opts.ToneSampleRate = voiceturn.DefaultReplySampleRate
	}
	if opts.ToneDuration <= 0 {
		opts.ToneDuration = 300 * time.Millisecond
	}
	s := &Server{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "devserver").Logger(),
		sessions: make(map[string]*session),
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.registerRoutes()
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Msg("Dev server listening")
	return s.app.Listen(addr)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) registerRoutes() {
	v1 := s.app.Group("/v1", s.authenticate)

	v1.Post("/sessions", s.handleStartSession)
	v1.Post("/sessions/:id/messages", s.handleSendText)
	v1.Post("/sessions/:id/audio", s.handleAudioTurn)
	v1.Delete("/sessions/:id", s.handleEndSession)
	v1.Get("/audio/capability", s.handleCapability)

	s.registerWebSocket(v1)
}

// apiError is a failure rendered as {"detail": ...}.
type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string { return e.detail }

func notFound() error {
	return &apiError{status: fiber.StatusNotFound, detail: "session not found"}
}

func badRequest(detail string) error {
	return &apiError{status: fiber.StatusBadRequest, detail: detail}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	detail := err.Error()

	var ae *apiError
	var fe *fiber.Error
	switch {
	case errors.As(err, &ae):
		status, detail = ae.status, ae.detail
	case errors.As(err, &fe):
		status, detail = fe.Code, fe.Message
	}
	if status >= fiber.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return c.Status(status).JSON(fiber.Map{"detail": detail})
}

func (s *Server) authenticate(c *fiber.Ctx) error {
	if s.opts.APIKey == "" {
		return c.Next()
	}
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return &apiError{status: fiber.StatusUnauthorized, detail: "missing bearer token"}
	}
	claims, err := conversation.VerifyToken(token, s.opts.APIKey)
	if err != nil {
		return &apiError{status: fiber.StatusUnauthorized, detail: "invalid bearer token"}
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		c.Locals("user", sub)
	}
	return c.Next()
}

type startSessionRequest struct {
	AgentID string `json:"agent_id"`
}

type sendTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleStartSession(c *fiber.Ctx) error {
	var req startSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest("malformed request body")
		}
	}
	return c.JSON(s.startSession(req.AgentID))
}

func (s *Server) handleSendText(c *fiber.Ctx) error {
	var req sendTextRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("malformed request body")
	}
	reply, err := s.sendText(c.Params("id"), req.Text)
	if err != nil {
		return err
	}
	return c.JSON(reply)
}

func (s *Server) handleAudioTurn(c *fiber.Ctx) error {
	fh, err := c.FormFile("audio")
	if err != nil {
		return badRequest("missing audio file")
	}
	f, err := fh.Open()
	if err != nil {
		return badRequest("unreadable audio file")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return badRequest("unreadable audio file")
	}

	result, err := s.audioTurn(c.Params("id"), data, fh.Header.Get(fiber.HeaderContentType))
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) handleEndSession(c *fiber.Ctx) error {
	if err := s.endSession(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleCapability(c *fiber.Ctx) error {
	return c.JSON(s.capability())
}

func (s *Server) startSession(agentID string) *conversation.Session {
	if agentID == "" {
		agentID = "default"
	}
	sess := &session{id: uuid.NewString(), agentID: agentID, started: time.Now()}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.log.Info().Str("session_id", sess.id).Str("agent", agentID).Msg("Session started")
	return &conversation.Session{
		SessionID:    sess.id,
		AgentName:    "Echo (" + agentID + ")",
		Model:        "echo-1",
		FirstMessage: "Hi! Say something and I will repeat it.",
	}
}

func (s *Server) lookup(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound()
	}
	return sess, nil
}

func (s *Server) sendText(id, text string) (*conversation.TextReply, error) {
	start := time.Now()
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, badRequest("text is required")
	}

	s.mu.Lock()
	sess.turns++
	s.mu.Unlock()

	return &conversation.TextReply{
		Reply:      "You said: " + text,
		TokensUsed: tokenEstimate(text),
		LatencyMs:  float64(time.Since(start).Microseconds()) / 1000,
		Done:       isFarewell(text),
	}, nil
}

func (s *Server) audioTurn(id string, audio []byte, contentType string) (*conversation.TurnResult, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return &conversation.TurnResult{NoSpeech: true}, nil
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.mu.Lock()
	sess.turns++
	turn := sess.turns
	s.mu.Unlock()

	transcript := fmt.Sprintf("[turn %d: %d bytes of %s]", turn, len(audio), contentType)
	reply := fmt.Sprintf("I received %d bytes of audio.", len(audio))
	tone, err := s.tone()
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("session_id", id).Int("bytes", len(audio)).Str("content_type", contentType).Msg("Audio turn")
	return &conversation.TurnResult{
		Transcript:       transcript,
		Reply:            reply,
		AudioBase64:      base64.StdEncoding.EncodeToString(tone),
		AudioContentType: voiceturn.FormatWAV,
		STTMs:            STTMs,
		LLMMs:            LLMMs,
		TTSMs:            TTSMs,
		TokensUsed:       tokenEstimate(reply),
	}, nil
}

func (s *Server) endSession(id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return notFound()
	}
	s.log.Info().Str("session_id", id).Msg("Session ended")
	return nil
}

func (s *Server) capability() *conversation.AudioCapability {
	return &conversation.AudioCapability{
		STTAvailable: true,
		TTSAvailable: true,
		STTProvider:  "devserver",
		TTSProvider:  "devserver-tone",
	}
}

// tone renders a 440 Hz sine as mono WAV.
func (s *Server) tone() ([]byte, error) {
	rate := s.opts.ToneSampleRate
	n := int(float64(rate) * s.opts.ToneDuration.Seconds())
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}

	enc, err := voiceturn.NewEncoder(voiceturn.FormatWAV, rate, 1)
	if err != nil {
		return nil, err
	}
	chunk, err := enc.Encode(samples)
	if err != nil {
		return nil, err
	}
	return enc.Finalize([][]byte{chunk}), nil
}

func tokenEstimate(text string) int {
	return len(strings.Fields(text)) * 2
}

func isFarewell(text string) bool {
	switch strings.ToLower(strings.Trim(text, " .!")) {
	case "bye", "goodbye":
		return true
	}
	return false
}
