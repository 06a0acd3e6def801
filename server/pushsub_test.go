package main

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperline/whisperline/server/push"
	types "github.com/whisperline/whisperline/server/store/types"
)

// capturingHandler is a push transport that hands every receipt to a channel.
type capturingHandler struct {
	receipts chan *push.Receipt
}

func (h *capturingHandler) Init(_ json.RawMessage) (bool, error) { return true, nil }
func (h *capturingHandler) IsReady() bool                        { return true }
func (h *capturingHandler) Push() chan<- *push.Receipt           { return h.receipts }
func (h *capturingHandler) Stop()                                {}

var testPushHandler = &capturingHandler{receipts: make(chan *push.Receipt, 16)}
var testPushOnce sync.Once

func initTestPush(t *testing.T) {
	t.Helper()
	testPushOnce.Do(func() {
		push.Register("capture", testPushHandler)
		require.NoError(t, push.Init(json.RawMessage(`[{"name": "capture"}]`)))
	})
	// Drop receipts left over from earlier tests.
	for {
		select {
		case <-testPushHandler.receipts:
		default:
			return
		}
	}
}

func waitReceipt(t *testing.T) *push.Receipt {
	t.Helper()
	select {
	case rcpt := <-testPushHandler.receipts:
		return rcpt
	case <-time.After(2 * time.Second):
		t.Fatal("no push receipt arrived")
		return nil
	}
}

func testSubscription(endpoint, label string) types.PushSubscription {
	return types.PushSubscription{
		Endpoint:    endpoint,
		P256dhKey:   "p256dh",
		AuthKey:     "auth",
		DeviceLabel: label,
	}
}

func TestPushSubscriptionRegisterReplacesByEndpoint(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)

	ref := h.PushSubsRef("alice")

	// Owner only.
	err := ref.Register(ctx, "bob", testSubscription("https://push/e1", "phone"))
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	// Keys are mandatory.
	err = ref.Register(ctx, "alice", types.PushSubscription{Endpoint: "https://push/e1"})
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, ref.Register(ctx, "alice", testSubscription("https://push/e1", "phone")))
	require.NoError(t, ref.Register(ctx, "alice", testSubscription("https://push/e2", "laptop")))
	// Same endpoint again: replaced, not duplicated.
	require.NoError(t, ref.Register(ctx, "alice", testSubscription("https://push/e1", "new phone")))

	subs, err := ref.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	byEndpoint := map[string]string{}
	for _, s := range subs {
		byEndpoint[s.Endpoint] = s.DeviceLabel
	}
	assert.Equal(t, "new phone", byEndpoint["https://push/e1"])
	assert.Equal(t, "laptop", byEndpoint["https://push/e2"])

	require.NoError(t, ref.Unregister(ctx, "alice", "https://push/e2"))
	// Unknown endpoint is a nop.
	require.NoError(t, ref.Unregister(ctx, "alice", "https://push/gone"))

	subs, err = ref.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push/e1", subs[0].Endpoint)
}

func TestPushDeliveryOnNewMessage(t *testing.T) {
	initTestPush(t)
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)

	require.NoError(t, h.PushSubsRef("bob").Register(ctx, "bob", testSubscription("https://push/bob", "phone")))

	out := postMessage(t, h, "conv1", "alice", "hello", "")

	rcpt := waitReceipt(t)
	require.Len(t, rcpt.To, 1)
	assert.Equal(t, "bob", rcpt.To[0].UserID)
	require.Len(t, rcpt.To[0].Subscriptions, 1)
	assert.Equal(t, "https://push/bob", rcpt.To[0].Subscriptions[0].Endpoint)
	assert.Equal(t, push.ActMsg, rcpt.Payload.What)
	assert.Equal(t, "conv1", rcpt.Payload.ConversationID)
	assert.Equal(t, out.ID, rcpt.Payload.MessageID)
}

func TestPushExpiredEndpointPruned(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)

	ref := h.PushSubsRef("alice")
	require.NoError(t, ref.Register(ctx, "alice", testSubscription("https://push/stale", "phone")))

	// What the transport does when the push service returns 404/410.
	require.NoError(t, ref.DropEndpoint(ctx, "https://push/stale"))

	subs, err := ref.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
