package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisperline/whisperline/server/db/mem"
	"github.com/whisperline/whisperline/server/store"
)

// testInit opens the in-memory store once and wipes it for every test.
func testInit(t *testing.T) {
	t.Helper()
	if !store.IsOpen() {
		err := store.Open(json.RawMessage(`{"worker_id": 1, "use_adapter": "mem"}`))
		require.NoError(t, err)
	}
	mem.Reset()
}

// newTestHub builds a hub over a clean store. Shut down via t.Cleanup.
func newTestHub(t *testing.T, idleTimeout time.Duration) *Hub {
	t.Helper()
	testInit(t)
	h := newHub(newRegistry(), idleTimeout)
	t.Cleanup(h.shutdown)
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// registerUsers creates registered user records so entities that consult
// user profiles find them.
func registerUsers(t *testing.T, h *Hub, ids ...string) {
	t.Helper()
	ctx := testCtx(t)
	for _, id := range ids {
		_, err := h.UserRef(id).Register(ctx, id, id+"@example.com", "name of "+id)
		require.NoError(t, err)
	}
}

// chanListener is a registry listener backed by a channel, so tests can
// assert on delivered events.
type chanListener struct {
	events chan []byte
}

func newChanListener(buf int) *chanListener {
	return &chanListener{events: make(chan []byte, buf)}
}

func (l *chanListener) QueueOut(data []byte) bool {
	select {
	case l.events <- data:
		return true
	default:
		return false
	}
}

// next returns the next delivered event decoded into a generic map, or nil
// when nothing was delivered.
func (l *chanListener) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-l.events:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	default:
		return nil
	}
}

// drainTypes collects the "type" field of all delivered events.
func (l *chanListener) drainTypes() []string {
	var types []string
	for {
		select {
		case data := <-l.events:
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				if s, ok := m["type"].(string); ok {
					types = append(types, s)
				}
			}
		default:
			return types
		}
	}
}
