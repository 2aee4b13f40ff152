package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"nostr-outbox/internal/config"
	"nostr-outbox/internal/logging"
	"nostr-outbox/internal/tail"
)

// fakeRelay answers every REQ with the given events followed by EOSE.
func fakeRelay(t *testing.T, events ...nostr.Event) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []gojson.RawMessage
			if gojson.Unmarshal(data, &frame) != nil || len(frame) < 2 {
				continue
			}
			var label, subID string
			_ = gojson.Unmarshal(frame[0], &label)
			_ = gojson.Unmarshal(frame[1], &subID)
			if label != "REQ" {
				continue
			}
			for _, ev := range events {
				raw, _ := ev.MarshalJSON()
				msg := `["EVENT","` + subID + `",` + string(raw) + `]`
				conn.WriteMessage(websocket.TextMessage, []byte(msg))
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`["EOSE","`+subID+`"]`))
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testEvent(n int, createdAt int64) nostr.Event {
	return nostr.Event{
		ID:        strings.Repeat("0", 63) + string(rune('0'+n)),
		PubKey:    strings.Repeat("a", 64),
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "gm",
		Sig:       strings.Repeat("b", 128),
	}
}

func TestRunTailOneshotAcrossRelays(t *testing.T) {
	a := fakeRelay(t, testEvent(1, 100), testEvent(2, 200))
	b := fakeRelay(t, testEvent(2, 200), testEvent(3, 300))

	var out bytes.Buffer
	opts := tailOptions{
		relays:  []string{a, b},
		kinds:   []int{1},
		oneshot: true,
		timeout: 10 * time.Second,
		poll:    5 * time.Millisecond,
	}
	require.NoError(t, runTail(context.Background(), &out, config.Default(), logging.Discard(), opts))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3, "duplicates are printed once")
	ids := make(map[string]bool)
	for _, line := range lines {
		var ev nostr.Event
		require.NoError(t, gojson.Unmarshal([]byte(line), &ev))
		ids[ev.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestRunTailStopsOnCancel(t *testing.T) {
	url := fakeRelay(t, testEvent(1, 100))

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runTail(ctx, &out, config.Default(), logging.Discard(), tailOptions{
			relays:      []string{url},
			kinds:       []int{1},
			transparent: true,
			poll:        5 * time.Millisecond,
		})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop")
	}
}

func TestRunTailRejectsBadInput(t *testing.T) {
	err := runTail(context.Background(), &bytes.Buffer{}, config.Default(), logging.Discard(), tailOptions{
		relays: []string{"http://not-a-relay"},
		kinds:  []int{1},
		poll:   time.Millisecond,
	})
	assert.ErrorIs(t, err, errNoRelays)

	err = runTail(context.Background(), &bytes.Buffer{}, config.Default(), logging.Discard(), tailOptions{
		relays: []string{"wss://relay.example"},
		poll:   time.Millisecond,
	})
	assert.ErrorIs(t, err, errEmptyFilter)
}

func TestBuildFilter(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	f, err := buildFilter(tailOptions{kinds: []int{1, 6}, limit: 20, since: time.Hour}, now)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6}, f.Kinds)
	assert.Equal(t, 20, f.Limit)
	assert.Nil(t, f.Authors)
	require.NotNil(t, f.Since)
	assert.Equal(t, nostr.Timestamp(1_000_000-3600), *f.Since)

	f, err = buildFilter(tailOptions{kinds: []int{1}}, now)
	require.NoError(t, err)
	assert.Nil(t, f.Since)
}

func TestResolveAuthors(t *testing.T) {
	hexKey := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	npub, err := nip19.EncodePublicKey(hexKey)
	require.NoError(t, err)

	got, err := resolveAuthors([]string{npub, strings.ToUpper(hexKey)})
	require.NoError(t, err)
	assert.Equal(t, []string{hexKey, hexKey}, got)

	for _, bad := range []string{"abc", "npub1qqqq", "nsec1xyz"} {
		_, err := resolveAuthors([]string{bad})
		assert.ErrorIs(t, err, errBadAuthor, bad)
	}
}

func TestEventsHandler(t *testing.T) {
	store := tail.NewStore(10)
	store.Add(testEvent(1, 100), "wss://a")
	ev := testEvent(2, 200)
	ev.Kind = 7
	store.Add(ev, "wss://a")

	mux := newStatusMux(prometheus.NewRegistry(), store)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?kind=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []nostr.Event
	require.NoError(t, gojson.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].Kind)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?kind=9", nil))
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_subscriptions: 7\nmax_reconnect: 2m\n"), 0o644))

	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"config", "--config", path})
	require.NoError(t, root.Execute())

	var cfg map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, 7, cfg["max_subscriptions"])
	assert.Equal(t, "2m0s", cfg["max_reconnect"])
	assert.Equal(t, "1s", cfg["initial_reconnect"])
}
