// Package transcript aggregates streaming recognition results into a
// queryable, time-ordered transcript.
//
// A Session owns one timeline across any number of pause/resume cycles.
// Every recognition run (Start or Resume) captures its own wall-clock origin;
// the service reports word timings relative to the start of the run and the
// session converts them to absolute milliseconds with
//
//	absolute = origin + seconds*1000
//
// All state transitions, result appends and queries are serialized by a
// single mutex. Transport calls that may wait on the transport's own reader
// (closing a stream) happen after the lock is released.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/timeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/transcript"

// ErrNotRecognizing is returned by SendAudio when no stream is open.
var ErrNotRecognizing = errors.New("transcript: not recognizing")

type Option func(*Session)

// WithClock replaces the wall clock used to capture run origins.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(s *Session) { s.streamCfg = cfg }
}

func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(s *Session) { s.policy = policy }
}

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// Session is the transcript aggregation state machine. The zero value is not
// usable; construct it with New. A process is expected to own exactly one.
type Session struct {
	provider  stt.Provider
	host      Host
	streamCfg stt.StreamConfig
	clock     func() time.Time
	logger    *slog.Logger
	policy    ReconnectPolicy
	observers []Observer
	tracer    trace.Tracer
	metrics   *sessionMetrics

	mu       sync.Mutex
	state    State
	timeline *timeline.Timeline
	id       string
	epoch    uint64
	current  *run
	stream   stt.Stream
	lastErr  string
}

// run binds one opened stream to the origin and session epoch it was opened
// with. It is the stt.Delegate handed to the provider.
type run struct {
	session *Session
	epoch   uint64
	origin  float64
	// closed is guarded by session.mu.
	closed bool
}

func (r *run) OnMessage(payload []byte)                     { r.session.handleResult(r, payload) }
func (r *run) OnClose(code int, reason string, remote bool) { r.session.connectionClosed(r, code, reason, remote) }
func (r *run) OnAmplitude(amplitude, volume float64)        { r.session.OnAmplitude(amplitude, volume) }

func New(provider stt.Provider, host Host, opts ...Option) *Session {
	s := &Session{
		provider: provider,
		host:     host,
		clock:    time.Now,
		logger:   slog.New(slog.DiscardHandler),
		policy:   NeverReconnect{},
		timeline: timeline.New(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "transcript-session"))
	s.metrics = newSessionMetrics(s.logger, s.timeline)
	return s
}

// Start begins a brand-new logical session: the timeline is cleared, a new
// session id and origin are assigned and a stream is opened. It is a no-op
// while recognizing. Failures are reported to the host, never returned.
func (s *Session) Start(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "transcript.start")
	defer span.End()

	s.mu.Lock()
	if s.state == Recognizing {
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("noop", true))
		return
	}

	s.timeline.Reset()
	s.epoch++
	s.id = uuid.NewString()
	s.current = nil
	s.stream = nil
	r := &run{session: s, epoch: s.epoch, origin: s.now()}
	id := s.id
	span.SetAttributes(attribute.String("session.id", id))

	stream, err := s.provider.Open(ctx, s.streamCfg, r)
	if err != nil {
		s.state = Idle
		s.lastErr = err.Error()
		s.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "open stream")
		s.startFailed(ctx, id, err)
		return
	}
	s.current = r
	s.stream = stream
	s.state = Recognizing
	s.mu.Unlock()

	s.logger.Info("recognition started", slog.String("session_id", id))
	s.emit(Event{Kind: EventStarted, SessionID: id, State: Recognizing})
}

// Close pauses recognition. Only effective while recognizing; the timeline
// is kept.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state != Recognizing {
		s.mu.Unlock()
		return
	}
	s.state = Paused
	stream := s.stream
	s.stream = nil
	if s.current != nil {
		s.current.closed = true
	}
	id := s.id
	s.mu.Unlock()

	s.emit(Event{Kind: EventPaused, SessionID: id, State: Paused})
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Warn("failed to close recognition stream", slogError(err))
		}
	}
	s.logger.Info("recognition paused", slog.String("session_id", id))
}

// Resume reopens recognition after Close or a dropped connection. The origin
// is recaptured; the timeline is not reset. Only effective while paused.
func (s *Session) Resume(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "transcript.resume")
	defer span.End()

	s.mu.Lock()
	if s.state != Paused {
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("noop", true))
		return
	}
	r := &run{session: s, epoch: s.epoch, origin: s.now()}
	id := s.id
	span.SetAttributes(attribute.String("session.id", id))

	stream, err := s.provider.Open(ctx, s.streamCfg, r)
	if err != nil {
		s.lastErr = err.Error()
		s.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "reopen stream")
		s.startFailed(ctx, id, err)
		return
	}
	s.current = r
	s.stream = stream
	s.state = Recognizing
	s.mu.Unlock()

	s.logger.Info("recognition resumed", slog.String("session_id", id))
	s.emit(Event{Kind: EventResumed, SessionID: id, State: Recognizing})
}

// OnResult applies a result payload as if delivered by the current run.
func (s *Session) OnResult(payload []byte) Outcome {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	return s.handleResult(r, payload)
}

// OnConnectionClosed reports that the live stream dropped. The session moves
// to Paused; reconnecting is left to the host unless a ReconnectPolicy says
// otherwise. In Idle there is no run to drop and the call is a no-op; after
// Close the closed run's drop is not recorded.
func (s *Session) OnConnectionClosed(code int, reason string, remote bool) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r != nil {
		s.connectionClosed(r, code, reason, remote)
	}
}

// OnAmplitude forwards the input level to the host as an integer volume.
func (s *Session) OnAmplitude(_, volume float64) {
	if s.host != nil {
		s.host.Volume(int(volume))
	}
}

// GetTranscript returns the text of every segment fully inside [start, end],
// both in absolute milliseconds.
func (s *Session) GetTranscript(start, end float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.QueryRange(start, end)
}

// Segments yields the raw segments fully inside [start, end].
func (s *Session) Segments(start, end float64) iter.Seq[timeline.Segment] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Segments(start, end)
}

// SendAudio forwards a PCM chunk to the open stream.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return ErrNotRecognizing
	}
	return stream.Send(chunk)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent start failure or connection drop.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:     s.state,
		SessionID: s.id,
		LastError: s.lastErr,
		Segments:  s.timeline.Len(),
	}
}

func (s *Session) handleResult(r *run, payload []byte) Outcome {
	spans, outcome := decodeResult(payload)
	if outcome != OutcomeApplied {
		s.metrics.result(outcome)
		if outcome == OutcomeMalformed {
			s.logger.Debug("dropped malformed recognition payload", slog.Int("bytes", len(payload)))
		}
		return outcome
	}

	s.mu.Lock()
	if r == nil || r.epoch != s.epoch {
		s.mu.Unlock()
		s.metrics.result(OutcomeStale)
		return OutcomeStale
	}
	segments := make([]timeline.Segment, 0, len(spans))
	for _, span := range spans {
		seg := timeline.Segment{
			Text:  span.Text,
			Start: r.origin + span.Start*1000,
			End:   r.origin + span.End*1000,
		}
		s.timeline.Append(seg)
		segments = append(segments, seg)
	}
	id := s.id
	state := s.state
	s.mu.Unlock()

	s.metrics.result(OutcomeApplied)
	s.metrics.segments(len(segments))
	for _, seg := range segments {
		s.emit(Event{Kind: EventSegment, SessionID: id, State: state, Segment: seg})
	}
	return OutcomeApplied
}

func (s *Session) connectionClosed(r *run, code int, reason string, remote bool) {
	s.mu.Lock()
	if r.closed || r != s.current {
		s.mu.Unlock()
		return
	}
	r.closed = true
	stream := s.stream
	s.stream = nil
	s.state = Paused
	s.lastErr = fmt.Sprintf("connection closed (code %d): %s", code, reason)
	drop := Drop{SessionID: s.id, Code: code, Reason: reason, Remote: remote, At: s.clock()}
	policy := s.policy
	s.mu.Unlock()

	s.metrics.dropped()
	s.logger.Warn("recognition connection closed",
		slog.String("session_id", drop.SessionID),
		slog.Int("code", code),
		slog.String("reason", reason),
		slog.Bool("remote", remote))
	s.emit(Event{Kind: EventDropped, SessionID: drop.SessionID, State: Paused, Detail: drop.Reason})

	// The stream reported its own end from its reader; release it elsewhere
	// so a Close that waits for that reader cannot block it.
	if stream != nil {
		go func() { _ = stream.Close() }()
	}

	if delay, ok := policy.NextAttempt(drop); ok {
		time.AfterFunc(delay, func() { s.Resume(context.Background()) })
	}
}

func (s *Session) startFailed(ctx context.Context, id string, err error) {
	s.metrics.startFailed(ctx)
	s.logger.Warn("failed to open recognition stream", slog.String("session_id", id), slogError(err))
	if s.host != nil {
		s.host.StartFailed(err)
	}
	s.emit(Event{Kind: EventStartFailed, SessionID: id, State: s.State(), Detail: err.Error()})
}

func (s *Session) emit(evt Event) {
	if evt.At.IsZero() {
		evt.At = s.clock()
	}
	for _, o := range s.observers {
		o(evt)
	}
}

func (s *Session) now() float64 {
	return float64(s.clock().UnixMilli())
}

// decodeResult extracts the timestamp spans of a final result.
func decodeResult(payload []byte) ([]stt.Timestamp, Outcome) {
	var res stt.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, OutcomeMalformed
	}
	if len(res.Results) == 0 || len(res.Results[0].Alternatives) == 0 {
		return nil, OutcomeIncomplete
	}
	entry := res.Results[0]
	if !entry.Final {
		return nil, OutcomeInterim
	}
	alt := entry.Alternatives[0]
	if alt.Timestamps == nil {
		return nil, OutcomeIncomplete
	}
	return alt.Timestamps, OutcomeApplied
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
