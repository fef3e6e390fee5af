package bridge

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// Notifier is the transcript.Host of a bus-connected host: every
// notification becomes a NATS publish.
type Notifier struct {
	bus             *bus.Client
	log             *slog.Logger
	publishSegments bool
	clock           func() time.Time
}

func NewNotifier(busClient *bus.Client, publishSegments bool, log *slog.Logger) *Notifier {
	return &Notifier{
		bus:             busClient,
		log:             log.With(slog.String("component", "bridge-notifier")),
		publishSegments: publishSegments,
		clock:           time.Now,
	}
}

func (n *Notifier) StartFailed(err error) {
	msg := protocol.HostStartFailed{Error: err.Error(), Timestamp: n.clock().UTC()}
	if pubErr := n.bus.PublishJSON(protocol.SubjectHostStartFailed, msg); pubErr != nil {
		n.log.Warn("failed to publish start failure", slog.String("error", pubErr.Error()))
	}
}

func (n *Notifier) Volume(level int) {
	if err := n.bus.PublishJSON(protocol.SubjectHostVolume, protocol.HostVolume{Level: level}); err != nil {
		n.log.Debug("failed to publish volume", slog.String("error", err.Error()))
	}
}

// Observer publishes appended segments on stt.text.final.
func (n *Notifier) Observer() transcript.Observer {
	return func(evt transcript.Event) {
		if !n.publishSegments || evt.Kind != transcript.EventSegment {
			return
		}
		msg := protocol.Transcript{
			SessionID: evt.SessionID,
			Text:      evt.Segment.Text,
			StartMS:   evt.Segment.Start,
			EndMS:     evt.Segment.End,
			Timestamp: evt.At.UTC(),
		}
		if err := n.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
			n.log.Warn("failed to publish segment", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
		}
	}
}
