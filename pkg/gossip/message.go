package gossip

import (
	"encoding/json"
	"fmt"
)

// Message types carried in the "type" field of every datagram. Anything
// else is dropped on receipt.
const (
	typeRequest        = "request"
	typeFirstResponse  = "first-response"
	typeSecondResponse = "second-response"
)

// Digest summarizes a peer table: for every known peer, the highest
// attribute version seen locally. It is a per-peer version summary, not
// a vector clock; versions are local counters that only ever compare
// against the same peer's counter elsewhere.
type Digest map[string]int64

// Delta is one attribute update owed to a receiver. On the wire it is
// the four-element array [peer, key, value, version].
type Delta struct {
	Peer    string
	Key     string
	Value   any
	Version int64
}

func (d Delta) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]any{d.Peer, d.Key, d.Value, d.Version})
}

func (d *Delta) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 4 {
		return fmt.Errorf("delta has %d elements, want 4", len(parts))
	}
	if err := json.Unmarshal(parts[0], &d.Peer); err != nil {
		return fmt.Errorf("delta peer: %w", err)
	}
	if err := json.Unmarshal(parts[1], &d.Key); err != nil {
		return fmt.Errorf("delta key: %w", err)
	}
	if err := json.Unmarshal(parts[2], &d.Value); err != nil {
		return fmt.Errorf("delta value: %w", err)
	}
	if err := json.Unmarshal(parts[3], &d.Version); err != nil {
		return fmt.Errorf("delta version: %w", err)
	}
	return nil
}

// The three datagram payloads. Fields are always emitted, matching
// deployments that expect "updates": [] rather than a missing key.

type requestMessage struct {
	Type   string `json:"type"`
	Digest Digest `json:"digest"`
}

type firstResponseMessage struct {
	Type    string  `json:"type"`
	Updates []Delta `json:"updates"`
	Digest  Digest  `json:"digest"`
}

type secondResponseMessage struct {
	Type    string  `json:"type"`
	Updates []Delta `json:"updates"`
}

func encodeRequest(digest Digest) ([]byte, error) {
	return json.Marshal(requestMessage{Type: typeRequest, Digest: digest})
}

func encodeFirstResponse(updates []Delta, requests Digest) ([]byte, error) {
	if updates == nil {
		updates = []Delta{}
	}
	if requests == nil {
		requests = Digest{}
	}
	return json.Marshal(firstResponseMessage{Type: typeFirstResponse, Updates: updates, Digest: requests})
}

func encodeSecondResponse(updates []Delta) ([]byte, error) {
	if updates == nil {
		updates = []Delta{}
	}
	return json.Marshal(secondResponseMessage{Type: typeSecondResponse, Updates: updates})
}

// decodeMessage sniffs the type field and decodes the corresponding
// payload. A payload with an unknown type decodes to ("", nil) so the
// caller can drop it without treating it as malformed.
func decodeMessage(data []byte) (msgType string, payload any, err error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", nil, fmt.Errorf("decode message header: %w", err)
	}
	switch head.Type {
	case typeRequest:
		var m requestMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", nil, fmt.Errorf("decode request: %w", err)
		}
		return head.Type, &m, nil
	case typeFirstResponse:
		var m firstResponseMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", nil, fmt.Errorf("decode first-response: %w", err)
		}
		return head.Type, &m, nil
	case typeSecondResponse:
		var m secondResponseMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", nil, fmt.Errorf("decode second-response: %w", err)
		}
		return head.Type, &m, nil
	}
	return "", nil, nil
}
