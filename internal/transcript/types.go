package transcript

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/timeline"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Recognizing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recognizing:
		return "recognizing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Outcome classifies what happened to one result payload. Everything except
// OutcomeApplied is dropped without touching the session.
type Outcome int

const (
	// OutcomeApplied means a final result was decoded and its spans appended.
	OutcomeApplied Outcome = iota
	// OutcomeInterim is a well-formed partial result; expected and frequent.
	OutcomeInterim
	// OutcomeIncomplete is valid JSON lacking results, alternatives or timestamps.
	OutcomeIncomplete
	// OutcomeMalformed is a payload that failed to decode.
	OutcomeMalformed
	// OutcomeStale is a result from a run that belongs to a discarded session.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeInterim:
		return "interim"
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Host receives the notifications a host must handle.
type Host interface {
	StartFailed(err error)
	Volume(level int)
}

// EventKind names a lifecycle or data event emitted to observers.
type EventKind string

const (
	EventStarted     EventKind = "session.started"
	EventStartFailed EventKind = "session.start_failed"
	EventPaused      EventKind = "session.paused"
	EventResumed     EventKind = "session.resumed"
	EventDropped     EventKind = "session.connection_dropped"
	EventSegment     EventKind = "session.segment"
)

// Event is delivered to observers after the session lock is released.
type Event struct {
	Kind      EventKind
	SessionID string
	State     State
	Segment   timeline.Segment
	Detail    string
	At        time.Time
}

// Observer is notified about session events. Observers run on the goroutine
// that caused the event and must not block for long.
type Observer func(Event)

// Status is a consistent snapshot of the session.
type Status struct {
	State     State
	SessionID string
	LastError string
	Segments  int
}

// Drop describes a connection loss reported by the recognition service.
type Drop struct {
	SessionID string
	Code      int
	Reason    string
	Remote    bool
	At        time.Time
}

// ReconnectPolicy decides whether a dropped run should be resumed
// automatically, and after which delay.
type ReconnectPolicy interface {
	NextAttempt(drop Drop) (time.Duration, bool)
}

// NeverReconnect leaves recovery to the host.
type NeverReconnect struct{}

func (NeverReconnect) NextAttempt(Drop) (time.Duration, bool) { return 0, false }
