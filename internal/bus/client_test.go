package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), "bus-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), "", config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestRequestJSON(t *testing.T) {
	client := connect(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	type ping struct {
		N int `json:"n"`
	}
	_, err := client.Conn().Subscribe("test.double", func(msg *nats.Msg) {
		var p ping
		_ = json.Unmarshal(msg.Data, &p)
		reply, _ := json.Marshal(ping{N: p.N * 2})
		_ = msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out ping
	if err := client.RequestJSON(ctx, "test.double", ping{N: 21}, &out); err != nil {
		t.Fatalf("request: %v", err)
	}
	if out.N != 42 {
		t.Fatalf("expected 42, got %d", out.N)
	}
}

func TestPublishJSON(t *testing.T) {
	client := connect(t)
	sub, err := client.Conn().SubscribeSync("test.events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON("test.events", map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if string(msg.Data) != `{"hello":"world"}` {
		t.Fatalf("unexpected payload %s", msg.Data)
	}
}
