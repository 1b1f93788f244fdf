// Package envelope defines the message that travels between pipeline stages.
//
// An Envelope is immutable per hop: each stage builds a new one from the
// previous plus its own results. The queue is not the record of truth; the
// ledger is. The wire format is deliberately permissive so envelopes produced
// by older pipeline versions still decode.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope carries per-file identity, batch linkage and outcome fields
// between stages. Optional fields stay at their zero value until the stage
// that produces them runs; JobID appears only once validation has staged the
// transformed output.
type Envelope struct {
	FileName   string `json:"FileName"`
	BatchID    string `json:"Batch_ID"`
	JobID      string `json:"Job_ID,omitempty"`
	RetryCount int    `json:"RetryCount"`
	FileStatus bool   `json:"FileStatus,omitempty"`
	ErrorMsg   string `json:"ErrorMessage,omitempty"`
	NotifyTo   string `json:"NotificationEmailAddress,omitempty"`
	Rerun      bool   `json:"Rerun,omitempty"`
}

// Encode serializes the envelope as Base64-wrapped JSON for queue transport.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// Decode parses a Base64-wrapped JSON envelope. Unknown fields are ignored
// and missing fields stay at their defaults; only malformed transport data
// errors out. Plain JSON is accepted too so operators can hand-craft
// envelopes when re-driving a file.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		// Not Base64: fall back to treating the payload as raw JSON.
		raw = data
		n = len(data)
	}
	if err := json.Unmarshal(raw[:n], &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
