// Package ipc speaks the cross-language module protocol: one JSON
// message per line over a duplex byte stream, with binary payloads
// carried as tagged base64 objects. The format is portable; peers in
// other languages implement the same five fields.
package ipc

import (
	"encoding/base64"
	"encoding/json"
)

// Message types on the wire.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
)

// message is the wire envelope. Exactly one of Result or Error is set
// on replies; Method and Args only appear on requests.
type message struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// bufferTag marks a binary payload inside otherwise plain JSON.
const bufferTag = "Buffer"

type taggedBuffer struct {
	Type string `json:"__type"`
	Data string `json:"data"`
}

// EncodeValue marshals a value for the wire, wrapping []byte anywhere
// in the structure as {"__type":"Buffer","data":"<base64>"}.
func EncodeValue(v any) (json.RawMessage, error) {
	return json.Marshal(wrapBuffers(v))
}

func wrapBuffers(v any) any {
	switch val := v.(type) {
	case []byte:
		return taggedBuffer{Type: bufferTag, Data: base64.StdEncoding.EncodeToString(val)}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = wrapBuffers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = wrapBuffers(item)
		}
		return out
	default:
		return v
	}
}

// DecodeValue unmarshals a wire value, turning tagged buffer objects
// back into []byte at any depth.
func DecodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return unwrapBuffers(v), nil
}

func unwrapBuffers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val["__type"].(string); ok && tag == bufferTag {
			if data, ok := val["data"].(string); ok {
				if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
					return decoded
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = unwrapBuffers(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = unwrapBuffers(item)
		}
		return out
	default:
		return v
	}
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := EncodeValue(a)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func decodeArgs(raw []json.RawMessage) ([]any, error) {
	out := make([]any, len(raw))
	for i, r := range raw {
		v, err := DecodeValue(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
