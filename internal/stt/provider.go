// Package stt adapts streaming speech-recognition services.
//
// A Provider opens one Stream per recognition run. The stream forwards PCM
// audio to the service and reports everything the service sends back to a
// Delegate: raw result payloads, the end of the connection, and the signal
// level of the audio that was sent. Providers never interpret results; that
// is the job of the delegate.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	// ErrStreamClosed is returned by Send after the stream was closed.
	ErrStreamClosed = errors.New("stt: stream closed")

	errShortTimestamp = errors.New("stt: timestamp needs text, start and end")
)

// StreamConfig is the per-run configuration handed to a provider.
type StreamConfig struct {
	URL            string
	Username       string
	Password       string
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	InterimResults bool
}

// Delegate receives inbound events of a stream. Methods may be called
// concurrently (results from the reader, amplitude from Send) and are never
// called while the provider holds a lock that Send or Close needs.
type Delegate interface {
	OnMessage(payload []byte)
	OnClose(code int, reason string, remote bool)
	OnAmplitude(amplitude, volume float64)
}

// Stream is an open recognition run.
type Stream interface {
	Send(chunk []byte) error
	// Close asks the service to finish the run. Results already in flight are
	// still delivered to the delegate before Close returns. Calling Close more
	// than once is safe.
	Close() error
}

// Provider opens streams on a recognition service. Open must not call the
// delegate synchronously; callers may hold locks the delegate needs.
type Provider interface {
	Open(ctx context.Context, cfg StreamConfig, delegate Delegate) (Stream, error)
}

// StreamConfigFrom maps recognition settings onto a StreamConfig.
func StreamConfigFrom(cfg config.RecognitionConfig) StreamConfig {
	return StreamConfig{
		URL:            cfg.URL,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Model:          cfg.Model,
		Language:       cfg.Language,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		InterimResults: cfg.InterimResults,
	}
}

// New builds the provider selected by cfg.Mode.
func New(cfg config.RecognitionConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockProvider(time.Duration(cfg.MockWindowMS) * time.Millisecond), nil
	case "websocket":
		return NewWebSocketProvider(
			WithDialTimeout(time.Duration(cfg.DialTimeoutMS)*time.Millisecond),
			WithStopTimeout(time.Duration(cfg.StopTimeoutMS)*time.Millisecond),
			WithLogger(logger),
		), nil
	case "exec":
		return NewExecProvider(cfg)
	default:
		return nil, fmt.Errorf("stt: unknown recognition mode %q", cfg.Mode)
	}
}
