package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultStopTimeout  = 3 * time.Second
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 1 << 20
)

// WebSocketOption configures a WebSocketProvider.
type WebSocketOption func(*WebSocketProvider)

// WithDialTimeout bounds the connection handshake.
func WithDialTimeout(d time.Duration) WebSocketOption {
	return func(p *WebSocketProvider) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithStopTimeout bounds how long Close waits for the service to flush
// results after the stop action.
func WithStopTimeout(d time.Duration) WebSocketOption {
	return func(p *WebSocketProvider) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) WebSocketOption {
	return func(p *WebSocketProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WebSocketProvider speaks the start/stop action protocol of streaming
// recognition services such as Watson Speech to Text: a JSON start action,
// binary audio frames, a JSON stop action, and JSON result messages.
type WebSocketProvider struct {
	dialTimeout time.Duration
	stopTimeout time.Duration
	logger      *slog.Logger
}

func NewWebSocketProvider(opts ...WebSocketOption) *WebSocketProvider {
	p := &WebSocketProvider{
		dialTimeout: defaultDialTimeout,
		stopTimeout: defaultStopTimeout,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type startAction struct {
	Action         string `json:"action"`
	ContentType    string `json:"content-type"`
	InterimResults bool   `json:"interim_results"`
	Timestamps     bool   `json:"timestamps"`
	Inactivity     int    `json:"inactivity_timeout"`
}

type stateMessage struct {
	State string `json:"state"`
}

// Open dials the service and sends the start action.
func (p *WebSocketProvider) Open(ctx context.Context, cfg StreamConfig, delegate Delegate) (Stream, error) {
	wsURL, err := buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("stt: build url: %w", err)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, p.dialTimeout)
	defer cancelDial()

	headers := http.Header{}
	if cfg.Username != "" || cfg.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Set("Authorization", "Basic "+token)
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("stt: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	start, err := json.Marshal(startAction{
		Action:         "start",
		ContentType:    fmt.Sprintf("audio/l16;rate=%d;channels=%d", cfg.SampleRate, cfg.Channels),
		InterimResults: cfg.InterimResults,
		Timestamps:     true,
		Inactivity:     -1,
	})
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, start); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("stt: send start action: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &wsStream{
		conn:        conn,
		delegate:    delegate,
		logger:      p.logger,
		stopTimeout: p.stopTimeout,
		ctx:         streamCtx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func buildURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsStream struct {
	conn        *websocket.Conn
	delegate    Delegate
	logger      *slog.Logger
	stopTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	closing  atomic.Bool
	once     sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func (s *wsStream) Send(chunk []byte) error {
	if s.closing.Load() {
		return ErrStreamClosed
	}
	ctx, cancel := context.WithTimeout(s.ctx, defaultWriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("stt: send audio: %w", err)
	}
	amplitude, volume := Level(chunk)
	s.delegate.OnAmplitude(amplitude, volume)
	return nil
}

func (s *wsStream) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)

		ctx, cancel := context.WithTimeout(s.ctx, s.stopTimeout)
		defer cancel()
		if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"action":"stop"}`)); err == nil {
			select {
			case <-s.stopped:
			case <-s.done:
			case <-ctx.Done():
				s.logger.Warn("recognition service did not acknowledge stop")
			}
		}

		_ = s.conn.Close(websocket.StatusNormalClosure, "stream stopped")
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *wsStream) readLoop() {
	defer close(s.done)

	for {
		typ, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			code, reason, remote := s.describeClose(err)
			s.delegate.OnClose(code, reason, remote)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if isStateMessage(msg) {
			if s.closing.Load() {
				s.stopOnce.Do(func() { close(s.stopped) })
			}
			continue
		}
		s.delegate.OnMessage(msg)
	}
}

func (s *wsStream) describeClose(err error) (int, string, bool) {
	if s.closing.Load() {
		return int(websocket.StatusNormalClosure), "stream stopped", false
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason, true
	}
	return int(websocket.StatusAbnormalClosure), err.Error(), true
}

func isStateMessage(msg []byte) bool {
	var st stateMessage
	if err := json.Unmarshal(msg, &st); err != nil {
		return false
	}
	return st.State != ""
}
