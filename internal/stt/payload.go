package stt

import "encoding/json"

// Result is the recognition payload shared by every provider:
//
//	{"results":[{"final":true,"alternatives":[{"transcript":"...","timestamps":[["word",0.1,0.4]]}]}]}
type Result struct {
	Results []ResultEntry `json:"results"`
}

type ResultEntry struct {
	Final        bool          `json:"final"`
	Alternatives []Alternative `json:"alternatives"`
}

type Alternative struct {
	Transcript string      `json:"transcript"`
	Timestamps []Timestamp `json:"timestamps"`
}

// Timestamp is a ["text", startSec, endSec] triple relative to the start of the run.
type Timestamp struct {
	Text  string
	Start float64
	End   float64
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.Text, t.Start, t.End})
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 3 {
		return errShortTimestamp
	}
	if err := json.Unmarshal(parts[0], &t.Text); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[1], &t.Start); err != nil {
		return err
	}
	return json.Unmarshal(parts[2], &t.End)
}

// FinalResult builds the payload of a final result with one alternative.
func FinalResult(transcript string, spans ...Timestamp) Result {
	return Result{Results: []ResultEntry{{
		Final:        true,
		Alternatives: []Alternative{{Transcript: transcript, Timestamps: spans}},
	}}}
}
