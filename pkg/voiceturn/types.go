package voiceturn

import (
	"time"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

// RecorderState enum
type RecorderState string

const (
	StateIdle       RecorderState = "idle"
	StateRecording  RecorderState = "recording"
	StateProcessing RecorderState = "processing"
)

// PlaybackState enum
type PlaybackState string

const (
	IdlePlayback    PlaybackState = "idle"
	PlayingPlayback PlaybackState = "playing"
	ErrorPlayback   PlaybackState = "error"
)

// Role of a message author
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Markers written into user messages while a turn is reconciled.
const (
	SpeakingPlaceholder = "🎤 speaking…"
	NoSpeechMarker      = "(no speech detected)"
	ErrorMarker         = "(error)"
	GenericTurnFailure  = "Something went wrong while processing your audio. Please try again."
)

// Utterance is the single encoded audio object produced by one recording.
type Utterance struct {
	Data     []byte
	MIMEType string
	Duration time.Duration
	Chunks   int
}

// Empty reports whether the utterance carries no audio.
func (u *Utterance) Empty() bool {
	return u == nil || len(u.Data) == 0
}

// Message is one entry of the session transcript.
type Message struct {
	ID        string
	TurnID    string
	Role      Role
	Content   string
	Timestamp time.Time
	LatencyMs float64
	ToolCall  *conversation.ToolCall
}

// SessionStats holds the cumulative counters of the current session.
type SessionStats struct {
	TokensUsed int
	Turns      int
}

// Handler types
type DurationHandler func(seconds int)
type MessagesHandler func([]Message)
type PlaybackStateHandler func(PlaybackState)
