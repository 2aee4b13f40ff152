package wire

import (
	"bytes"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrEmptyMessage     = errors.New("empty relay message")
	ErrUnknownMessage   = errors.New("unknown relay message")
	ErrMalformedMessage = errors.New("malformed relay message")
)

// MessageKind identifies a relay → client envelope.
type MessageKind int

const (
	MsgEvent MessageKind = iota
	MsgEOSE
	MsgClosed
	MsgNotice
	MsgOK
	MsgAuth
)

func (k MessageKind) String() string {
	switch k {
	case MsgEvent:
		return "EVENT"
	case MsgEOSE:
		return "EOSE"
	case MsgClosed:
		return "CLOSED"
	case MsgNotice:
		return "NOTICE"
	case MsgOK:
		return "OK"
	case MsgAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// RelayMessage is a decoded relay frame. Only the fields relevant to Kind are set.
type RelayMessage struct {
	Kind    MessageKind
	SubID   string // EVENT, EOSE, CLOSED
	Event   []byte // EVENT: the raw event object, byte-for-byte as received
	Message string // NOTICE text, CLOSED/OK reason, AUTH challenge
	EventID string // OK
	OK      bool   // OK
}

// ParseRelayMessage decodes one NIP-01 relay frame.
func ParseRelayMessage(data []byte) (RelayMessage, error) {
	var msg RelayMessage
	if len(bytes.TrimSpace(data)) == 0 {
		return msg, ErrEmptyMessage
	}

	var arr []gojson.RawMessage
	if err := gojson.Unmarshal(data, &arr); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(arr) == 0 {
		return msg, ErrEmptyMessage
	}

	var label string
	if err := gojson.Unmarshal(arr[0], &label); err != nil {
		return msg, fmt.Errorf("%w: label: %v", ErrMalformedMessage, err)
	}

	switch label {
	case "EVENT":
		if len(arr) < 3 {
			return msg, fmt.Errorf("%w: EVENT needs 3 elements, got %d", ErrMalformedMessage, len(arr))
		}
		msg.Kind = MsgEvent
		if err := gojson.Unmarshal(arr[1], &msg.SubID); err != nil {
			return msg, fmt.Errorf("%w: EVENT sub id: %v", ErrMalformedMessage, err)
		}
		ev := bytes.TrimSpace(arr[2])
		if len(ev) == 0 || ev[0] != '{' {
			return msg, fmt.Errorf("%w: EVENT payload is not an object", ErrMalformedMessage)
		}
		msg.Event = append([]byte(nil), ev...)

	case "EOSE":
		if len(arr) < 2 {
			return msg, fmt.Errorf("%w: EOSE without sub id", ErrMalformedMessage)
		}
		msg.Kind = MsgEOSE
		if err := gojson.Unmarshal(arr[1], &msg.SubID); err != nil {
			return msg, fmt.Errorf("%w: EOSE sub id: %v", ErrMalformedMessage, err)
		}

	case "CLOSED":
		if len(arr) < 2 {
			return msg, fmt.Errorf("%w: CLOSED without sub id", ErrMalformedMessage)
		}
		msg.Kind = MsgClosed
		if err := gojson.Unmarshal(arr[1], &msg.SubID); err != nil {
			return msg, fmt.Errorf("%w: CLOSED sub id: %v", ErrMalformedMessage, err)
		}
		if len(arr) > 2 {
			_ = gojson.Unmarshal(arr[2], &msg.Message)
		}

	case "NOTICE":
		if len(arr) < 2 {
			return msg, fmt.Errorf("%w: NOTICE without text", ErrMalformedMessage)
		}
		msg.Kind = MsgNotice
		if err := gojson.Unmarshal(arr[1], &msg.Message); err != nil {
			return msg, fmt.Errorf("%w: NOTICE text: %v", ErrMalformedMessage, err)
		}

	case "OK":
		if len(arr) < 3 {
			return msg, fmt.Errorf("%w: OK needs at least 3 elements, got %d", ErrMalformedMessage, len(arr))
		}
		msg.Kind = MsgOK
		if err := gojson.Unmarshal(arr[1], &msg.EventID); err != nil {
			return msg, fmt.Errorf("%w: OK event id: %v", ErrMalformedMessage, err)
		}
		if err := gojson.Unmarshal(arr[2], &msg.OK); err != nil {
			return msg, fmt.Errorf("%w: OK flag: %v", ErrMalformedMessage, err)
		}
		if len(arr) > 3 {
			_ = gojson.Unmarshal(arr[3], &msg.Message)
		}

	case "AUTH":
		if len(arr) < 2 {
			return msg, fmt.Errorf("%w: AUTH without challenge", ErrMalformedMessage)
		}
		msg.Kind = MsgAuth
		if err := gojson.Unmarshal(arr[1], &msg.Message); err != nil {
			return msg, fmt.Errorf("%w: AUTH challenge: %v", ErrMalformedMessage, err)
		}

	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownMessage, label)
	}

	return msg, nil
}

// DecodeEvent parses a raw event object received inside an EVENT frame.
func DecodeEvent(raw []byte) (nostr.Event, error) {
	var ev nostr.Event
	if err := gojson.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// EncodeReq builds ["REQ",<subID>,<filter>...]. The filters are written with
// FilterJSON so ReqSize predicts the length exactly.
func EncodeReq(subID string, filters nostr.Filters) ([]byte, error) {
	encoded := make([][]byte, 0, len(filters))
	for _, f := range filters {
		b, err := FilterJSON(f)
		if err != nil {
			return nil, fmt.Errorf("encode filter: %w", err)
		}
		encoded = append(encoded, b)
	}
	return EncodeReqRaw(subID, encoded), nil
}

// EncodeReqRaw builds a REQ envelope from filters that are already serialized.
func EncodeReqRaw(subID string, filters [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`["REQ",`)
	buf.Write(quote(subID))
	for _, f := range filters {
		buf.WriteByte(',')
		buf.Write(f)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// ReqSize is the byte length of a REQ envelope for subID carrying n filters
// whose serialized lengths sum to filterBytes. subID is assumed to need no
// escaping, which holds for the t:/c: ids the engines mint.
func ReqSize(subID string, filterBytes, n int) int {
	// ["REQ",  "<id>"  ,f per filter  ]
	return len(`["REQ",`) + len(subID) + 2 + n + filterBytes + 1
}

// EncodeClose builds ["CLOSE",<subID>].
func EncodeClose(subID string) []byte {
	out := append([]byte(`["CLOSE",`), quote(subID)...)
	return append(out, ']')
}

func quote(s string) []byte {
	b, _ := gojson.Marshal(s)
	return b
}

// EncodeEvent builds ["EVENT",<event>] for publishing.
func EncodeEvent(ev nostr.Event) ([]byte, error) {
	b, err := gojson.Marshal([]any{"EVENT", ev})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}
