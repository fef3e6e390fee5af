package eventstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// KindSegment marks entries that carry a transcript segment.
const KindSegment = string(transcript.EventSegment)

const recordTimeout = 2 * time.Second

// Observer returns a session observer that journals every event.
func (s *Store) Observer() transcript.Observer {
	return func(evt transcript.Event) {
		if !s.Enabled() || evt.SessionID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Record(ctx, entryFromEvent(evt)); err != nil {
			s.log.Warn("failed to journal session event",
				slog.String("session_id", evt.SessionID),
				slog.String("kind", string(evt.Kind)),
				slog.String("error", err.Error()))
		}
	}
}

func entryFromEvent(evt transcript.Event) Entry {
	e := Entry{
		SessionID: evt.SessionID,
		Kind:      string(evt.Kind),
		State:     evt.State.String(),
		Detail:    evt.Detail,
		CreatedAt: evt.At,
	}
	if evt.Kind == transcript.EventSegment {
		e.Text = evt.Segment.Text
		e.StartMS = evt.Segment.Start
		e.EndMS = evt.Segment.End
	}
	return e
}
