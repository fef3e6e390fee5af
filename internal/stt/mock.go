package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type mockProvider struct {
	window time.Duration
}

// NewMockProvider returns a provider that emits one synthetic final result
// for every window of audio it receives, preceded by an interim result.
func NewMockProvider(window time.Duration) Provider {
	if window <= 0 {
		window = time.Second
	}
	return &mockProvider{window: window}
}

func (p *mockProvider) Open(ctx context.Context, cfg StreamConfig, delegate Delegate) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockStream{
		cfg:      cfg,
		window:   p.window.Seconds(),
		delegate: delegate,
	}, nil
}

type mockStream struct {
	cfg      StreamConfig
	window   float64
	delegate Delegate

	mu        sync.Mutex
	closed    bool
	elapsed   float64
	emittedAt float64
	bytes     int
}

func (s *mockStream) Send(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.bytes += len(chunk)
	s.elapsed += pcmDuration(len(chunk), s.cfg.SampleRate, s.cfg.Channels)
	var payloads [][]byte
	for s.elapsed-s.emittedAt >= s.window {
		start := s.emittedAt
		end := start + s.window
		s.emittedAt = end
		text := fmt.Sprintf("[mock transcript length=%d]", s.bytes)
		payloads = append(payloads, mockPayload(text, start, end, false), mockPayload(text, start, end, true))
	}
	s.mu.Unlock()

	amplitude, volume := Level(chunk)
	s.delegate.OnAmplitude(amplitude, volume)
	for _, p := range payloads {
		s.delegate.OnMessage(p)
	}
	return nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.delegate.OnClose(1000, "stream stopped", false)
	return nil
}

func mockPayload(text string, start, end float64, final bool) []byte {
	result := FinalResult(text, Timestamp{Text: text, Start: start, End: end})
	result.Results[0].Final = final
	data, _ := json.Marshal(result)
	return data
}
