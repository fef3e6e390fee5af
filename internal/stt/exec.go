package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

const execTimeout = 45 * time.Second

// execProvider runs a local recognizer command over the audio of a whole run.
// The command receives the recording as --audio <file.wav> and must print a
// recognition payload (see Result) on stdout.
type execProvider struct {
	cmd []string
	cfg config.RecognitionConfig
	mu  sync.Mutex
}

func NewExecProvider(cfg config.RecognitionConfig) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &execProvider{cmd: args, cfg: cfg}, nil
}

func (p *execProvider) Open(ctx context.Context, cfg StreamConfig, delegate Delegate) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(p.cmd[0]); err != nil {
		return nil, fmt.Errorf("recognition command unavailable: %w", err)
	}
	return &execStream{provider: p, cfg: cfg, delegate: delegate}, nil
}

type execStream struct {
	provider *execProvider
	cfg      StreamConfig
	delegate Delegate

	mu     sync.Mutex
	pcm    []byte
	closed bool
}

func (s *execStream) Send(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.pcm = append(s.pcm, chunk...)
	s.mu.Unlock()

	amplitude, volume := Level(chunk)
	s.delegate.OnAmplitude(amplitude, volume)
	return nil
}

// Close transcribes the buffered audio and delivers the result before
// reporting the end of the stream.
func (s *execStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pcm := s.pcm
	s.pcm = nil
	s.mu.Unlock()

	var runErr error
	if len(pcm) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
		payload, err := s.provider.transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels)
		cancel()
		if err != nil {
			runErr = err
		} else {
			s.delegate.OnMessage(payload)
		}
	}
	s.delegate.OnClose(1000, "stream stopped", false)
	return runErr
}

func (p *execProvider) transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribe_run_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return nil, err
	}

	args := append([]string{}, p.cmd...)
	base := args[0]
	cmdArgs := append(args[1:], "--audio", file.Name())
	if p.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", p.cfg.ModelPath)
	}
	if p.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", p.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("recognition command failed: %w: %s", err, stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("recognition command printed invalid json")
	}
	return out, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
