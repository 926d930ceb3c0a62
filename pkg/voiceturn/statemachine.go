package voiceturn

import "fmt"

// Event drives the recorder state machine.
type Event string

const (
	EventStart         Event = "start"
	EventAcquired      Event = "acquired"
	EventAcquireFailed Event = "acquire-failed"
	EventStop          Event = "stop"
	EventFinalized     Event = "finalized"
	EventCancel        Event = "cancel"
)

// Effect is a side effect the recorder must perform after a transition,
// in the order returned.
type Effect string

const (
	EffectAcquire      Effect = "acquire"
	EffectBeginCapture Effect = "begin-capture"
	EffectHaltCapture  Effect = "halt-capture"
	EffectFinalize     Effect = "finalize"
	EffectRelease      Effect = "release"
	EffectSettle       Effect = "settle"
	EffectSettleEmpty  Effect = "settle-empty"
	EffectRecordError  Effect = "record-error"
)

// Transition computes the next recorder state and the effects to run for ev.
// It has no side effects.
func Transition(state RecorderState, ev Event) (RecorderState, []Effect, error) {
	switch state {
	case StateIdle:
		switch ev {
		case EventStart:
			return StateIdle, []Effect{EffectAcquire}, nil
		case EventAcquired:
			return StateRecording, []Effect{EffectBeginCapture}, nil
		case EventAcquireFailed:
			return StateIdle, []Effect{EffectRelease, EffectRecordError}, nil
		case EventStop:
			return StateIdle, []Effect{EffectRelease, EffectSettleEmpty}, nil
		case EventCancel, EventFinalized:
			// Nothing is held; a finalize arriving after a cancel is stale.
			return StateIdle, nil, nil
		}

	case StateRecording:
		switch ev {
		case EventStart, EventAcquired:
			return state, nil, ErrAlreadyRecording
		case EventStop:
			return StateProcessing, []Effect{EffectHaltCapture, EffectFinalize}, nil
		case EventCancel:
			return StateIdle, []Effect{EffectHaltCapture, EffectRelease, EffectSettleEmpty}, nil
		}

	case StateProcessing:
		switch ev {
		case EventStart, EventAcquired:
			return state, nil, ErrAlreadyRecording
		case EventStop:
			// Finalization is already under way.
			return StateProcessing, nil, nil
		case EventFinalized:
			return StateIdle, []Effect{EffectRelease, EffectSettle}, nil
		case EventCancel:
			return StateIdle, []Effect{EffectHaltCapture, EffectRelease, EffectSettleEmpty}, nil
		}
	}

	return state, nil, fmt.Errorf("voiceturn: invalid event %q in state %q", ev, state)
}
