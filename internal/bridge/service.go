// Package bridge exposes a transcript session to hosts over NATS: control
// and query requests, audio frames in, notifications out.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Session is the part of *transcript.Session the bridge drives.
type Session interface {
	Start(ctx context.Context)
	Close()
	Resume(ctx context.Context)
	GetTranscript(start, end float64) string
	SendAudio(chunk []byte) error
	Status() transcript.Status
}

type Service struct {
	ctx     context.Context
	cfg     config.BridgeConfig
	bus     *bus.Client
	session Session
	log     *slog.Logger
	subs    []*nats.Subscription

	frames   metric.Int64Counter
	requests metric.Int64Counter
}

func NewService(parent context.Context, cfg config.BridgeConfig, busClient *bus.Client, session Session, logger *slog.Logger) *Service {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/bridge")
	s := &Service{
		ctx:     parent,
		cfg:     cfg,
		bus:     busClient,
		session: session,
		log:     logger.With(slog.String("component", "bridge")),
	}
	var err error
	if s.frames, err = meter.Int64Counter("scribe.bridge.frames", metric.WithDescription("Audio frames received from the host")); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if s.requests, err = meter.Int64Counter("scribe.bridge.requests", metric.WithDescription("Control and query requests by subject")); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

// Start registers the bus subscriptions and, if configured, starts a session.
func (s *Service) Start() error {
	if s.bus == nil {
		return errors.New("bridge requires a bus connection")
	}
	conn := s.bus.Conn()

	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectAudioFramePrefix + ".>", s.handleAudioFrame},
		{protocol.SubjectControlPrefix + ".*", s.handleControl},
		{protocol.SubjectTranscriptQuery, s.handleQuery},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := conn.Flush(); err != nil {
		s.Close()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.log.Info("bridge subscribed", slog.Int("subscriptions", len(s.subs)))

	if s.cfg.AutoStart {
		s.session.Start(s.ctx)
	}
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy() && len(s.subs) > 0
}

func (s *Service) handleAudioFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("invalid audio frame", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if len(frame.PCM) == 0 {
		return
	}
	if s.frames != nil {
		s.frames.Add(s.ctx, 1)
	}
	if err := s.session.SendAudio(frame.PCM); err != nil {
		if errors.Is(err, transcript.ErrNotRecognizing) {
			s.log.Debug("dropping audio frame while not recognizing", slog.Int("sequence", frame.Sequence))
			return
		}
		s.log.Warn("failed to forward audio frame", slog.Int("sequence", frame.Sequence), slog.String("error", err.Error()))
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Warn("invalid control request", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			s.respond(msg, protocol.ControlReply{Error: "invalid request"})
			return
		}
	}
	s.count(msg.Subject)

	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout())
	defer cancel()

	switch msg.Subject {
	case protocol.SubjectControlStart:
		s.session.Start(ctx)
	case protocol.SubjectControlClose:
		s.session.Close()
	case protocol.SubjectControlResume:
		s.session.Resume(ctx)
	default:
		s.respond(msg, protocol.ControlReply{RequestID: req.RequestID, Error: "unknown operation " + strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")})
		return
	}

	st := s.session.Status()
	s.respond(msg, protocol.ControlReply{
		RequestID: req.RequestID,
		State:     st.State.String(),
		SessionID: st.SessionID,
		Error:     st.LastError,
	})
}

func (s *Service) handleQuery(msg *nats.Msg) {
	var req protocol.QueryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("invalid transcript query", slog.String("error", err.Error()))
		s.respond(msg, protocol.QueryReply{Error: "invalid request"})
		return
	}
	s.count(msg.Subject)
	if req.EndMS < req.StartMS {
		s.respond(msg, protocol.QueryReply{Error: "end_ms must not be before start_ms"})
		return
	}
	s.respond(msg, protocol.QueryReply{Text: s.session.GetTranscript(req.StartMS, req.EndMS)})
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to send reply", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

func (s *Service) count(subject string) {
	if s.requests != nil {
		s.requests.Add(s.ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
	}
}

func (s *Service) requestTimeout() time.Duration {
	if s.cfg.RequestTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
}
