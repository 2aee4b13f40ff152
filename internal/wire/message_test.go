package wire

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelayMessage(t *testing.T) {
	t.Run("event keeps raw bytes", func(t *testing.T) {
		raw := `{"id":"ab","pubkey":"cd","created_at":1700000000,"kind":1,"tags":[],"content":"hi","sig":"ef"}`
		msg, err := ParseRelayMessage([]byte(`["EVENT","t:3",` + raw + `]`))
		require.NoError(t, err)
		assert.Equal(t, MsgEvent, msg.Kind)
		assert.Equal(t, "t:3", msg.SubID)
		assert.Equal(t, raw, string(msg.Event))
	})

	t.Run("eose", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["EOSE","c:0"]`))
		require.NoError(t, err)
		assert.Equal(t, MsgEOSE, msg.Kind)
		assert.Equal(t, "c:0", msg.SubID)
	})

	t.Run("closed with reason", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["CLOSED","t:1","error: too many subscriptions"]`))
		require.NoError(t, err)
		assert.Equal(t, MsgClosed, msg.Kind)
		assert.Equal(t, "t:1", msg.SubID)
		assert.Equal(t, "error: too many subscriptions", msg.Message)
	})

	t.Run("notice", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["NOTICE","slow down"]`))
		require.NoError(t, err)
		assert.Equal(t, MsgNotice, msg.Kind)
		assert.Equal(t, "slow down", msg.Message)
	})

	t.Run("ok", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["OK","abcd",false,"blocked: spam"]`))
		require.NoError(t, err)
		assert.Equal(t, MsgOK, msg.Kind)
		assert.Equal(t, "abcd", msg.EventID)
		assert.False(t, msg.OK)
		assert.Equal(t, "blocked: spam", msg.Message)
	})

	t.Run("auth", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["AUTH","challenge-123"]`))
		require.NoError(t, err)
		assert.Equal(t, MsgAuth, msg.Kind)
		assert.Equal(t, "challenge-123", msg.Message)
	})
}

func TestParseRelayMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "", ErrEmptyMessage},
		{"whitespace", "  \n", ErrEmptyMessage},
		{"empty array", "[]", ErrEmptyMessage},
		{"not json", "hello", ErrMalformedMessage},
		{"object", `{"a":1}`, ErrMalformedMessage},
		{"unknown label", `["COUNT","x",{"count":1}]`, ErrUnknownMessage},
		{"short event", `["EVENT","x"]`, ErrMalformedMessage},
		{"event not object", `["EVENT","x",42]`, ErrMalformedMessage},
		{"eose without id", `["EOSE"]`, ErrMalformedMessage},
		{"ok bad flag", `["OK","id","yes",""]`, ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRelayMessage([]byte(tt.in))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeReq(t *testing.T) {
	filters := nostr.Filters{{Kinds: []int{1}}, {Kinds: []int{2}, Limit: 10}}
	b, err := EncodeReq("c:0", filters)
	require.NoError(t, err)

	f0, _ := FilterJSON(filters[0])
	f1, _ := FilterJSON(filters[1])
	assert.Equal(t, `["REQ","c:0",`+string(f0)+`,`+string(f1)+`]`, string(b))
	assert.Equal(t, len(b), ReqSize("c:0", len(f0)+len(f1), 2))
}

func TestReqSizeSingleKind(t *testing.T) {
	b, err := EncodeReq("c:0", nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Equal(t, `["REQ","c:0",{"kinds":[1]}]`, string(b))
	assert.Equal(t, 27, ReqSize("c:0", FilterJSONSize(nostr.Filter{Kinds: []int{1}}), 1))
}

func TestEncodeClose(t *testing.T) {
	assert.Equal(t, `["CLOSE","t:12"]`, string(EncodeClose("t:12")))
}

func TestEncodeEvent(t *testing.T) {
	ev := nostr.Event{ID: "ab", PubKey: "cd", CreatedAt: 1700000000, Kind: 1, Tags: nostr.Tags{}, Content: "hi", Sig: "ef"}
	b, err := EncodeEvent(ev)
	require.NoError(t, err)

	var decoded []any
	require.NoError(t, unmarshal(b, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "EVENT", decoded[0])
	obj, ok := decoded[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", obj["content"])
	assert.EqualValues(t, 1700000000, obj["created_at"])
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"id":"ab","pubkey":"cd","created_at":1700000123,"kind":7,"tags":[["e","x"]],"content":"+","sig":"ef"}`))
	require.NoError(t, err)
	assert.Equal(t, nostr.Timestamp(1700000123), ev.CreatedAt)
	assert.Equal(t, 7, ev.Kind)

	_, err = DecodeEvent([]byte(`nope`))
	assert.Error(t, err)
}
