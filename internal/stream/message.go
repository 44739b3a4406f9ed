package stream

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	hubName         = "mainhub"
	methodPing      = "ping"
	methodSubscribe = "subscribe"
	ackField        = "I"
)

// OutboundMessage is a hub command written to the stream.
type OutboundMessage struct {
	H string   `json:"H"`
	M string   `json:"M"`
	A []string `json:"A"`
	I int      `json:"I"`
}

func pingMessage() OutboundMessage {
	return OutboundMessage{H: hubName, M: methodPing, A: []string{}}
}

func subscribeMessage(channel Channel) OutboundMessage {
	return OutboundMessage{H: hubName, M: methodSubscribe, A: []string{string(channel), "", "0"}}
}

// PriceEvent is a non-acknowledgement frame forwarded as received.
type PriceEvent struct {
	// Raw is the frame exactly as read from the connection.
	Raw []byte
	// Fields is Raw decoded with numbers kept as json.Number.
	Fields map[string]any
}

// Decode unmarshals the raw frame into v.
func (e PriceEvent) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

type frame struct {
	ack   bool
	seq   int
	event PriceEvent
}

// decodeFrame splits inbound frames into acknowledgements and price events. A
// frame is an acknowledgement when its I field is truthy: a non-zero number, a
// non-empty string, true, or a non-empty array or object. A price payload that
// carries such a field is therefore classified as an acknowledgement.
func decodeFrame(data []byte) (frame, error) {
	if !json.Valid(data) {
		return frame{}, fmt.Errorf("decode frame: invalid JSON or trailing data")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if fields == nil {
		return frame{}, fmt.Errorf("decode frame: not a JSON object")
	}
	raw, ok := fields[ackField]
	if !ok || !truthy(raw) {
		return frame{event: PriceEvent{Raw: data, Fields: fields}}, nil
	}
	seq, err := ackSequence(raw)
	if err != nil {
		return frame{}, err
	}
	return frame{ack: true, seq: seq}, nil
}

func truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case json.Number:
		f, err := typed.Float64()
		return err != nil || f != 0
	case string:
		return typed != ""
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

// ackSequence converts an acknowledgement value to a sequence number. Numbers are
// truncated toward zero and must fit in an int; strings must hold an integer.
func ackSequence(v any) (int, error) {
	switch typed := v.(type) {
	case bool:
		return 1, nil
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return int(n), nil
		}
		f, err := typed.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) ||
			f >= float64(math.MaxInt) || f < float64(math.MinInt) {
			return 0, fmt.Errorf("ack sequence %q is not a number", typed.String())
		}
		return int(f), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return 0, fmt.Errorf("ack sequence %q is not an integer", typed)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("ack sequence of type %T is not convertible", v)
	}
}
