package main

import (
	"testing"
	"time"
)

func TestEncodePCM16(t *testing.T) {
	got := encodePCM16([]int{1, -1, 32767, -32768})
	want := []byte{0x01, 0x00, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}
	if string(got) != string(want) {
		t.Fatalf("encodePCM16 = %x, want %x", got, want)
	}
}

func TestSplitFrames(t *testing.T) {
	// 250ms of 16 kHz stereo in 100ms frames.
	pcm := make([]byte, 16000*2*2/4)
	frames := splitFrames(pcm, 16000, 2, 100*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[0]) != 6400 || len(frames[2]) != 3200 {
		t.Fatalf("unexpected frame sizes %d/%d", len(frames[0]), len(frames[2]))
	}
	if frames := splitFrames(make([]byte, 8), 16000, 1, 0); len(frames) != 4 {
		t.Fatalf("expected one sample per frame for zero chunk, got %d", len(frames))
	}
}
