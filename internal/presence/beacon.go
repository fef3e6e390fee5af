// Package presence announces the scribe node on the bus and tracks the other
// scribe nodes that do the same.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// StatusFunc reports the local session status for each heartbeat.
type StatusFunc func() transcript.Status

// Peer is the last known presence of a node.
type Peer struct {
	protocol.Presence
	Healthy bool `json:"healthy"`
}

type Beacon struct {
	cfg     config.NodeConfig
	runtime string
	mode    string
	status  StatusFunc
	log     *slog.Logger
	bus     *bus.Client
	clock   func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer

	cancel context.CancelFunc
	done   chan struct{}
	subs   []*nats.Subscription
}

func NewBeacon(ctx context.Context, cfg config.NodeConfig, runtimeName, mode string, busClient *bus.Client, status StatusFunc, log *slog.Logger) (*Beacon, error) {
	ctx, cancel := context.WithCancel(ctx)
	b := &Beacon{
		cfg:     cfg,
		runtime: runtimeName,
		mode:    mode,
		status:  status,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		clock:   time.Now,
		peers:   make(map[string]*Peer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.initMetrics()

	if err := b.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := b.publish(protocol.SubjectPresenceAnnounce); err != nil {
		b.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	go b.run(ctx)
	return b, nil
}

func (b *Beacon) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
}

func (b *Beacon) subscribe() error {
	conn := b.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectPresenceAnnounce, b.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	b.subs = append(b.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectPresenceHeartbeat+".*", b.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	b.subs = append(b.subs, heartbeatSub)

	// Make sure the subscriptions are registered before the first announce.
	return conn.Flush()
}

func (b *Beacon) run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.publish(protocol.SubjectPresenceHeartbeat + "." + b.cfg.ID); err != nil {
				b.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (b *Beacon) publish(subject string) error {
	return b.bus.PublishJSON(subject, b.snapshot())
}

func (b *Beacon) snapshot() protocol.Presence {
	p := protocol.Presence{
		NodeID:    b.cfg.ID,
		Runtime:   b.runtime,
		Mode:      b.mode,
		State:     transcript.Idle.String(),
		Timestamp: b.clock().UTC(),
	}
	if b.status != nil {
		st := b.status()
		p.State = st.State.String()
		p.SessionID = st.SessionID
		p.Segments = st.Segments
		p.LastError = st.LastError
	}
	return p
}

func (b *Beacon) handlePresence(msg *nats.Msg) {
	var p protocol.Presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		b.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = b.clock().UTC()
	}

	b.mu.Lock()
	b.peers[p.NodeID] = &Peer{Presence: p}
	b.mu.Unlock()
}

// interval is the heartbeat period; a peer is unhealthy after three missed beats.
func (b *Beacon) interval() time.Duration {
	if b.cfg.HeartbeatInterval <= 0 {
		return 2 * time.Second
	}
	return time.Duration(b.cfg.HeartbeatInterval) * time.Millisecond
}

// Peers returns every known node, the local one included, ordered by id.
func (b *Beacon) Peers() []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	timeout := 3 * b.interval()
	now := b.clock()
	out := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		cp := *p
		cp.Healthy = now.Sub(p.Timestamp) <= timeout
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Healthy reports whether this node has recently heard its own heartbeat.
func (b *Beacon) Healthy() bool {
	for _, p := range b.Peers() {
		if p.NodeID == b.cfg.ID {
			return p.Healthy
		}
	}
	return false
}

func (b *Beacon) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/presence")
	gauge, err := meter.Int64ObservableGauge("scribe.presence.nodes", metric.WithDescription("Scribe nodes seen on the bus"))
	if err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, p := range b.Peers() {
			if p.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	if err != nil {
		b.log.Warn("failed to register presence gauge", slog.String("error", err.Error()))
	}
}
