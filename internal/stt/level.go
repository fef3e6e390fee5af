package stt

import (
	"encoding/binary"
	"math"
)

// Level computes the RMS amplitude (0..1) of a little-endian 16-bit PCM chunk
// and the matching volume on a 0..100 scale. A trailing odd byte is ignored.
func Level(pcm []byte) (amplitude, volume float64) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += sample * sample
	}
	amplitude = math.Sqrt(sum / float64(n))
	return amplitude, amplitude * 100
}

// pcmDuration returns the play time of n bytes of 16-bit PCM.
func pcmDuration(n, sampleRate, channels int) float64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return float64(n) / float64(2*sampleRate*channels)
}
