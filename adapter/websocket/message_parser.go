package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// FrameKind classifies an inbound JSON-RPC envelope.
type FrameKind int

const (
	FrameUnclassified FrameKind = iota
	FrameResponse
	FrameNotification
)

func (k FrameKind) String() string {
	switch k {
	case FrameResponse:
		return "response"
	case FrameNotification:
		return "notification"
	default:
		return "unclassified"
	}
}

// ParsedFrame is one inbound text frame split into its envelope members.
//
// Classification:
//   - id present and no method: Response (result and error decide the outcome)
//   - method present and no id: Notification
//   - anything else, including server-to-client requests: Unclassified
type ParsedFrame struct {
	Kind   FrameKind
	ID     string
	Method string
	Params json.RawMessage

	Result    json.RawMessage
	HasResult bool
	Error     json.RawMessage
	HasError  bool
}

var nullLiteral = []byte("null")

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), nullLiteral)
}

// parseFrame decodes members lazily so that "result": null stays
// distinguishable from an absent result.
func parseFrame(data []byte) (*ParsedFrame, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}

	f := &ParsedFrame{}
	if raw, ok := members["method"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &f.Method); err != nil {
			return nil, fmt.Errorf("method member is not a string: %w", err)
		}
	}

	hasID := false
	if raw, ok := members["id"]; ok && !isNull(raw) {
		id, err := decodeID(raw)
		if err != nil {
			return nil, err
		}
		f.ID = id
		hasID = true
	}

	f.Result, f.HasResult = members["result"]
	if raw, ok := members["error"]; ok && !isNull(raw) {
		f.Error, f.HasError = raw, true
	}
	f.Params = members["params"]

	switch {
	case hasID && f.Method == "":
		f.Kind = FrameResponse
	case !hasID && f.Method != "":
		f.Kind = FrameNotification
	default:
		f.Kind = FrameUnclassified
	}
	return f, nil
}

// decodeID accepts string ids and, for servers that echo numbers, numeric ids
// in their literal form.
func decodeID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", errors.New("id member must be a string or number")
}

// decodeError reads the error member of a response.
func decodeError(raw json.RawMessage) (errorObject, error) {
	var obj errorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return errorObject{}, fmt.Errorf("invalid error member: %w", err)
	}
	return obj, nil
}

// encodeParams turns caller params into the raw params member; nil omits it.
func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("params are not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}
