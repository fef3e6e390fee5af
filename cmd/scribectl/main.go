package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "usage: scribectl [-config file] [-server url] start|close|resume|query|listen|send|version"

func main() {
	var (
		configPath string
		server     string
		timeout    time.Duration
	)
	global := flag.NewFlagSet("scribectl", flag.ExitOnError)
	global.StringVar(&configPath, "config", "", "Path to configuration file")
	global.StringVar(&server, "server", "", "NATS server URL (overrides config)")
	global.DurationVar(&timeout, "timeout", 15*time.Second, "Request timeout")
	global.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if server != "" {
		cfg.Bus.Servers = []string{server}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, "scribectl", cfg.Bus, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	if err := run(ctx, client, timeout, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *bus.Client, timeout time.Duration, cmd string, args []string) error {
	switch cmd {
	case "start":
		return runControl(ctx, client, timeout, protocol.SubjectControlStart)
	case "close":
		return runControl(ctx, client, timeout, protocol.SubjectControlClose)
	case "resume":
		return runControl(ctx, client, timeout, protocol.SubjectControlResume)
	case "query":
		fs := flag.NewFlagSet("query", flag.ExitOnError)
		from := fs.Float64("from", 0, "Range start in absolute milliseconds")
		to := fs.Float64("to", float64(time.Now().UnixMilli()), "Range end in absolute milliseconds")
		_ = fs.Parse(args)
		return runQuery(ctx, client, timeout, *from, *to)
	case "listen":
		return runListen(ctx, client)
	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		file := fs.String("file", "", "16-bit PCM wav file to stream")
		chunk := fs.Duration("chunk", 100*time.Millisecond, "Audio per frame")
		realtime := fs.Bool("realtime", true, "Pace frames at playback speed")
		_ = fs.Parse(args)
		return runSend(ctx, client, *file, *chunk, *realtime)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func runControl(ctx context.Context, client *bus.Client, timeout time.Duration, subject string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, subject, protocol.ControlRequest{}, &reply); err != nil {
		return err
	}
	fmt.Printf("state=%s session=%s\n", reply.State, reply.SessionID)
	if reply.Error != "" {
		fmt.Printf("last_error=%s\n", reply.Error)
	}
	return nil
}

func runQuery(ctx context.Context, client *bus.Client, timeout time.Duration, from, to float64) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var reply protocol.QueryReply
	if err := client.RequestJSON(ctx, protocol.SubjectTranscriptQuery, protocol.QueryRequest{StartMS: from, EndMS: to}, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	fmt.Println(reply.Text)
	return nil
}

func runListen(ctx context.Context, client *bus.Client) error {
	sub, err := client.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var t protocol.Transcript
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return
		}
		fmt.Printf("[%.0f-%.0f] %s\n", t.StartMS, t.EndMS, t.Text)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	<-ctx.Done()
	return nil
}

func runSend(ctx context.Context, client *bus.Client, path string, chunk time.Duration, realtime bool) error {
	if path == "" {
		return errors.New("send requires -file")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s is not a valid wav file", path)
	}
	if dec.BitDepth != 16 {
		return fmt.Errorf("%s: expected 16-bit PCM, got %d-bit", path, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	rate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	frames := splitFrames(encodePCM16(buf.Data), rate, channels, chunk)
	for i, pcm := range frames {
		frame := protocol.AudioFrame{Sequence: i, SampleRate: rate, Channels: channels, PCM: pcm}
		if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".scribectl", frame); err != nil {
			return err
		}
		if realtime {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunk):
			}
		}
	}
	fmt.Printf("sent %d frames\n", len(frames))
	return client.Conn().FlushWithContext(ctx)
}

func encodePCM16(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := uint16(int16(s))
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// splitFrames cuts little-endian 16-bit PCM into frames of roughly chunk
// duration, never splitting a sample frame.
func splitFrames(pcm []byte, rate, channels int, chunk time.Duration) [][]byte {
	frameBytes := 2 * channels
	size := int(chunk.Seconds()*float64(rate)) * frameBytes
	if size <= 0 {
		size = frameBytes
	}
	var frames [][]byte
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		frames = append(frames, pcm[:n])
		pcm = pcm[n:]
	}
	return frames
}
