package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "presence-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBeaconAnnouncesStatus(t *testing.T) {
	client := startBus(t)
	status := func() transcript.Status {
		return transcript.Status{State: transcript.Recognizing, SessionID: "abc", Segments: 3}
	}

	b, err := NewBeacon(context.Background(), config.NodeConfig{ID: "scribe-a", HeartbeatInterval: 50}, "loqa-scribe", "mock", client, status, newLogger())
	if err != nil {
		t.Fatalf("new beacon: %v", err)
	}
	defer b.Close()

	waitFor(t, b.Healthy)
	peers := b.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected only the local node, got %+v", peers)
	}
	if peers[0].State != "recognizing" || peers[0].SessionID != "abc" || peers[0].Segments != 3 || peers[0].Mode != "mock" {
		t.Fatalf("unexpected presence %+v", peers[0])
	}
}

func TestBeaconTracksPeers(t *testing.T) {
	client := startBus(t)
	b, err := NewBeacon(context.Background(), config.NodeConfig{ID: "scribe-a", HeartbeatInterval: 50}, "loqa-scribe", "mock", client, nil, newLogger())
	if err != nil {
		t.Fatalf("new beacon: %v", err)
	}
	defer b.Close()

	stale := protocol.Presence{NodeID: "scribe-b", State: "idle", Timestamp: time.Now().Add(-time.Hour)}
	if err := client.PublishJSON(protocol.SubjectPresenceHeartbeat+".scribe-b", stale); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return len(b.Peers()) == 2 })
	for _, p := range b.Peers() {
		if p.NodeID == "scribe-b" && p.Healthy {
			t.Fatal("peer with an old heartbeat must be unhealthy")
		}
		if p.NodeID == "scribe-a" && p.State != "idle" {
			t.Fatalf("expected idle without a status func, got %s", p.State)
		}
	}
}
