package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type recorder struct {
	mu       sync.Mutex
	messages [][]byte
	closes   []closeEvent
	volumes  []float64
}

type closeEvent struct {
	code   int
	reason string
	remote bool
}

func (r *recorder) OnMessage(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, append([]byte(nil), payload...))
}

func (r *recorder) OnClose(code int, reason string, remote bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, closeEvent{code, reason, remote})
}

func (r *recorder) OnAmplitude(_, volume float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = append(r.volumes, volume)
}

func (r *recorder) snapshot() ([][]byte, []closeEvent, []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.messages...), append([]closeEvent(nil), r.closes...), append([]float64(nil), r.volumes...)
}

func pcmOf(sample int16, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

func TestLevel(t *testing.T) {
	if a, v := Level(nil); a != 0 || v != 0 {
		t.Fatalf("expected silence for empty chunk, got %v %v", a, v)
	}
	if a, _ := Level(pcmOf(0, 100)); a != 0 {
		t.Fatalf("expected zero amplitude, got %v", a)
	}
	a, v := Level(pcmOf(16384, 100))
	if math.Abs(a-0.5) > 1e-9 || math.Abs(v-50) > 1e-6 {
		t.Fatalf("expected amplitude 0.5 volume 50, got %v %v", a, v)
	}
}

func TestTimestampJSON(t *testing.T) {
	var res Result
	payload := `{"results":[{"final":true,"alternatives":[{"transcript":"hi there","timestamps":[["hi",0.5,1.2],["there",1.2,1.9]]}]}]}`
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	spans := res.Results[0].Alternatives[0].Timestamps
	if len(spans) != 2 || spans[0] != (Timestamp{Text: "hi", Start: 0.5, End: 1.2}) {
		t.Fatalf("unexpected spans %+v", spans)
	}

	var short Timestamp
	if err := json.Unmarshal([]byte(`["hi",0.5]`), &short); err == nil {
		t.Fatal("expected error for two-element timestamp")
	}
	if err := json.Unmarshal([]byte(`[1,0.5,0.7]`), &short); err == nil {
		t.Fatal("expected error for non-string text")
	}
}

func TestMockStreamEmitsPerWindow(t *testing.T) {
	p := NewMockProvider(500 * time.Millisecond)
	rec := &recorder{}
	cfg := StreamConfig{SampleRate: 16000, Channels: 1}
	stream, err := p.Open(context.Background(), cfg, rec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// 1.25s of audio in 250ms chunks
	for i := 0; i < 5; i++ {
		if err := stream.Send(pcmOf(1000, 4000)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Send(pcmOf(1, 10)); err != ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}

	messages, closes, volumes := rec.snapshot()
	if len(messages) != 4 {
		t.Fatalf("expected 2 interim + 2 final messages, got %d", len(messages))
	}
	var last Result
	if err := json.Unmarshal(messages[3], &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	span := last.Results[0].Alternatives[0].Timestamps[0]
	if !last.Results[0].Final || span.Start != 0.5 || span.End != 1.0 {
		t.Fatalf("unexpected final %+v", last)
	}
	if len(volumes) != 5 {
		t.Fatalf("expected one amplitude per send, got %d", len(volumes))
	}
	if len(closes) != 1 || closes[0].remote {
		t.Fatalf("expected one local close, got %+v", closes)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := config.Default().Recognition
	if _, err := New(cfg, nil); err != nil {
		t.Fatalf("mock: %v", err)
	}
	cfg.Mode = "websocket"
	if p, err := New(cfg, nil); err != nil {
		t.Fatalf("websocket: %v", err)
	} else if _, ok := p.(*WebSocketProvider); !ok {
		t.Fatalf("expected websocket provider, got %T", p)
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	cfg.Mode = "nope"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecProviderDeliversResultOnClose(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "recognize.sh")
	body := "#!/bin/sh\necho '{\"results\":[{\"final\":true,\"alternatives\":[{\"transcript\":\"ok\",\"timestamps\":[[\"ok\",0.1,0.3]]}]}]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := config.Default().Recognition
	cfg.Mode = "exec"
	cfg.Command = "sh " + script
	p, err := NewExecProvider(cfg)
	if err != nil {
		t.Fatalf("new exec provider: %v", err)
	}
	rec := &recorder{}
	stream, err := p.Open(context.Background(), StreamConfigFrom(cfg), rec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := stream.Send(pcmOf(200, 1600)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	messages, closes, _ := rec.snapshot()
	if len(messages) != 1 || !strings.Contains(string(messages[0]), `"final":true`) {
		t.Fatalf("unexpected messages %q", messages)
	}
	if len(closes) != 1 {
		t.Fatalf("expected close event, got %+v", closes)
	}
}

func TestExecProviderMissingBinary(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.Command = "definitely-not-a-real-recognizer-binary"
	p, err := NewExecProvider(cfg)
	if err != nil {
		t.Fatalf("new exec provider: %v", err)
	}
	if _, err := p.Open(context.Background(), StreamConfigFrom(cfg), &recorder{}); err == nil {
		t.Fatal("expected open to fail for missing command")
	}
}
