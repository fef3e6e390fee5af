package protocol

import "time"

// AudioFrame carries PCM audio from the host to the active recognition stream.
type AudioFrame struct {
	SessionID  string `json:"session_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// Transcript is published for every segment appended to the timeline.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	StartMS   float64   `json:"start_ms"`
	EndMS     float64   `json:"end_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest is the body of a scribe.ctrl.* request. It may be empty.
type ControlRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

// ControlReply reports the session state after a control request.
type ControlReply struct {
	RequestID string `json:"request_id,omitempty"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// QueryRequest selects segments fully contained in [StartMS, EndMS].
type QueryRequest struct {
	StartMS float64 `json:"start_ms"`
	EndMS   float64 `json:"end_ms"`
}

type QueryReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// HostStartFailed is published when a recognition stream cannot be opened.
type HostStartFailed struct {
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// HostVolume carries the integer input level of the live stream.
type HostVolume struct {
	Level int `json:"level"`
}

// Presence is announced on startup and repeated as a heartbeat.
type Presence struct {
	NodeID    string    `json:"node_id"`
	Runtime   string    `json:"runtime"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Segments  int       `json:"segments"`
	LastError string    `json:"last_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"

	SubjectControlPrefix   = "scribe.ctrl"
	SubjectControlStart    = SubjectControlPrefix + ".start"
	SubjectControlClose    = SubjectControlPrefix + ".close"
	SubjectControlResume   = SubjectControlPrefix + ".resume"
	SubjectTranscriptQuery = "scribe.transcript.query"

	SubjectHostStartFailed = "scribe.host.start_failed"
	SubjectHostVolume      = "scribe.host.volume"

	SubjectPresenceAnnounce  = "scribe.presence.announce"
	SubjectPresenceHeartbeat = "scribe.presence.heartbeat"
)
