package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperline/whisperline/server/db/mem"
	"github.com/whisperline/whisperline/server/store"
	types "github.com/whisperline/whisperline/server/store/types"
)

// newConversation registers the users and creates a conversation for them.
func newConversation(t *testing.T, h *Hub, id string, participants []string, retention time.Duration) {
	t.Helper()
	registerUsers(t, h, participants...)
	creator := participants[0]
	require.NoError(t, h.ConversationRef(id).Create(testCtx(t), creator, participants, creator, retention))
}

func postMessage(t *testing.T, h *Hub, convID, sender, body, parentID string) *MsgOut {
	t.Helper()
	out, err := h.ConversationRef(convID).PostMessage(testCtx(t), sender, sender, MessageContent{
		Ciphertext: []byte(body),
		Nonce:      []byte("nonce"),
		AuthTag:    []byte("tag"),
		ParentID:   parentID,
	})
	require.NoError(t, err)
	return out
}

func TestConversationCreateValidations(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	registerUsers(t, h, "alice", "bob")

	ref := h.ConversationRef("conv1")

	// Fewer than two participants.
	err := ref.Create(ctx, "alice", []string{"alice"}, "alice", 0)
	assert.ErrorIs(t, err, types.ErrValidation)
	// Caller not among the participants.
	err = ref.Create(ctx, "mallory", []string{"alice", "bob"}, "mallory", 0)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	// Caller and creator differ.
	err = ref.Create(ctx, "alice", []string{"alice", "bob"}, "bob", 0)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	// Failed attempts must leave no durable state behind.
	assert.Equal(t, 0, mem.EntityWrites(types.KindConversation, "conv1"))
	_, err = ref.GetDetails(ctx, "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	require.NoError(t, ref.Create(ctx, "alice", []string{"alice", "bob"}, "alice", 0))
	// Double create.
	err = ref.Create(ctx, "alice", []string{"alice", "bob"}, "alice", 0)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestConversationCreateAnnouncesToParticipants(t *testing.T) {
	h := newTestHub(t, time.Minute)
	registerUsers(t, h, "alice", "bob")

	l := newChanListener(8)
	h.registry.Subscribe(userTopic("bob"), l)

	newConversationID := "conv-announce"
	require.NoError(t, h.ConversationRef(newConversationID).
		Create(testCtx(t), "alice", []string{"alice", "bob"}, "alice", 0))

	evt := l.next(t)
	require.NotNil(t, evt)
	assert.Equal(t, evtConversationCreated, evt["type"])
	assert.Equal(t, newConversationID, evt["conversationId"])
	assert.Equal(t, "alice", evt["creatorId"])
}

func TestConversationDetailsRequireMembership(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, time.Hour)
	registerUsers(t, h, "mallory")

	_, err := h.ConversationRef("conv1").GetDetails(ctx, "mallory")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	details, err := h.ConversationRef("conv1").GetDetails(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "conv1", details.ID)
	assert.Equal(t, "alice", details.CreatorID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, details.Participants)
	assert.Equal(t, 1, details.CurrentKeyVersion)
	assert.Equal(t, time.Hour, details.RetentionPeriod)

	// IsParticipant is readable without membership.
	is, err := h.ConversationRef("conv1").IsParticipant(ctx, "mallory")
	require.NoError(t, err)
	assert.False(t, is)
}

func TestAddParticipantIdempotent(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	registerUsers(t, h, "carol")

	require.NoError(t, h.ConversationRef("conv1").AddParticipant(ctx, "alice", "carol"))
	writes := mem.EntityWrites(types.KindConversation, "conv1")

	// Re-adding an existing member must cause no write.
	require.NoError(t, h.ConversationRef("conv1").AddParticipant(ctx, "alice", "carol"))
	assert.Equal(t, writes, mem.EntityWrites(types.KindConversation, "conv1"))

	ids, err := h.UserRef("carol").GetConversationIds(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv1"}, ids)
}

func TestRemoveParticipantDeletesKeyCopies(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	ref := h.ConversationRef("conv1")

	require.NoError(t, ref.StoreEncryptedConversationKey(ctx, "bob", "bob", []byte("wrapped"), 1))

	// Only the member themselves or the creator may remove.
	err := ref.RemoveParticipant(ctx, "bob", "alice")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	require.NoError(t, ref.RemoveParticipant(ctx, "alice", "bob"))
	is, err := ref.IsParticipant(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, is)

	// Re-admitted members start without key copies.
	require.NoError(t, ref.AddParticipant(ctx, "alice", "bob"))
	_, err = ref.GetEncryptedConversationKey(ctx, "bob", "bob", 1)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEncryptedKeyFanout(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	registerUsers(t, h, "mallory")
	ref := h.ConversationRef("conv1")

	// Target must be a participant.
	err := ref.StoreEncryptedConversationKey(ctx, "alice", "mallory", []byte("k"), 1)
	assert.ErrorIs(t, err, types.ErrValidation)
	// Version must be within 1..current.
	err = ref.StoreEncryptedConversationKey(ctx, "alice", "bob", []byte("k"), 0)
	assert.ErrorIs(t, err, types.ErrValidation)
	err = ref.StoreEncryptedConversationKey(ctx, "alice", "bob", []byte("k"), 2)
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, ref.StoreEncryptedConversationKey(ctx, "alice", "bob", []byte("for-bob"), 1))

	// Only the owner may read their copy.
	_, err = ref.GetEncryptedConversationKey(ctx, "alice", "bob", 1)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	key, err := ref.GetEncryptedConversationKey(ctx, "bob", "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("for-bob"), key)
}

func TestPostMessageEventsAndValidation(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	registerUsers(t, h, "mallory")
	ref := h.ConversationRef("conv1")

	convL := newChanListener(8)
	userL := newChanListener(8)
	h.registry.Subscribe(conversationTopic("conv1"), convL)
	h.registry.Subscribe(userTopic("bob"), userL)

	// Sender must be the caller and a participant.
	_, err := ref.PostMessage(ctx, "alice", "bob", MessageContent{Ciphertext: []byte("x")})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = ref.PostMessage(ctx, "mallory", "mallory", MessageContent{Ciphertext: []byte("x")})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	// Empty body.
	_, err = ref.PostMessage(ctx, "alice", "alice", MessageContent{})
	assert.ErrorIs(t, err, types.ErrValidation)
	// Unknown parent.
	_, err = ref.PostMessage(ctx, "alice", "alice", MessageContent{Ciphertext: []byte("x"), ParentID: "nope"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	out := postMessage(t, h, "conv1", "alice", "hello", "")
	require.NotEmpty(t, out.ID)
	assert.Equal(t, 1, out.KeyVersion)
	assert.Equal(t, 1, mem.MessageCount("conv1"))

	evt := convL.next(t)
	require.NotNil(t, evt)
	assert.Equal(t, evtMessage, evt["type"])
	assert.Equal(t, out.ID, evt["messageId"])

	assert.Contains(t, userL.drainTypes(), evtNewMessageIndicator)
}

func TestKeyRotationUsesLifetimeCount(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, time.Hour)
	ref := h.ConversationRef("conv1")

	for i := 0; i < types.KeyRotationEvery-1; i++ {
		postMessage(t, h, "conv1", "alice", "m", "")
	}
	details, err := ref.GetDetails(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, details.CurrentKeyVersion)

	// Retention wipes the live count; the rotation counter must not reset.
	require.NoError(t, ref.RunRetention(ctx, types.TimeNow().Add(2*time.Hour)))
	details, err = ref.GetDetails(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, details.MessageCount)

	postMessage(t, h, "conv1", "alice", "the rotating one", "")
	details, err = ref.GetDetails(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, details.CurrentKeyVersion)
	assert.Equal(t, 1, details.MessageCount)
}

func TestGetMessagesPagesFromNewestEnd(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	ref := h.ConversationRef("conv1")

	var ids []string
	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		ids = append(ids, postMessage(t, h, "conv1", "alice", body, "").ID)
	}

	page, err := ref.GetMessages(ctx, "bob", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Oldest to newest within the window.
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	page, err = ref.GetMessages(ctx, "bob", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	// Skipping past the start clamps to an empty page.
	page, err = ref.GetMessages(ctx, "bob", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = ref.GetMessages(ctx, "bob", -1, 2)
	assert.ErrorIs(t, err, types.ErrMalformed)
}

func TestGetMessageRepliesPagesForward(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	ref := h.ConversationRef("conv1")

	parent := postMessage(t, h, "conv1", "alice", "parent", "")
	var replies []string
	for _, body := range []string{"r1", "r2", "r3"} {
		replies = append(replies, postMessage(t, h, "conv1", "bob", body, parent.ID).ID)
	}

	page, err := ref.GetMessageReplies(ctx, "alice", parent.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, replies[0], page[0].ID)
	assert.Equal(t, replies[1], page[1].ID)
	assert.Equal(t, parent.ID, page[0].ParentID)

	page, err = ref.GetMessageReplies(ctx, "alice", parent.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, replies[2], page[0].ID)
}

func TestMarkMessageAsReadIdempotent(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	ref := h.ConversationRef("conv1")
	msg := postMessage(t, h, "conv1", "alice", "m", "")

	l := newChanListener(8)
	h.registry.Subscribe(conversationTopic("conv1"), l)

	// Only on one's own behalf.
	err := ref.MarkMessageAsRead(ctx, "alice", msg.ID, "bob")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	err = ref.MarkMessageAsRead(ctx, "bob", "nope", "bob")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, ref.MarkMessageAsRead(ctx, "bob", msg.ID, "bob"))
	writes := mem.EntityWrites(types.KindConversation, "conv1")

	// The repeat causes no write and no event.
	require.NoError(t, ref.MarkMessageAsRead(ctx, "bob", msg.ID, "bob"))
	assert.Equal(t, writes, mem.EntityWrites(types.KindConversation, "conv1"))
	assert.Equal(t, []string{evtReadReceipt}, l.drainTypes())

	readers, err := ref.GetMessageReadReceipts(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, readers)
}

func TestToggleReaction(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	ref := h.ConversationRef("conv1")
	msg := postMessage(t, h, "conv1", "alice", "m", "")

	l := newChanListener(8)
	h.registry.Subscribe(conversationTopic("conv1"), l)

	err := ref.ToggleReaction(ctx, "bob", msg.ID, "bob", "")
	assert.ErrorIs(t, err, types.ErrValidation)
	err = ref.ToggleReaction(ctx, "bob", "nope", "bob", "👍")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, ref.ToggleReaction(ctx, "bob", msg.ID, "bob", "👍"))
	reactions, err := ref.GetMessageReactions(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"👍": {"bob"}}, reactions)

	// The second toggle removes it again.
	require.NoError(t, ref.ToggleReaction(ctx, "bob", msg.ID, "bob", "👍"))
	reactions, err = ref.GetMessageReactions(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.Empty(t, reactions)

	assert.Equal(t, []string{evtReactionAdded, evtReactionRemoved}, l.drainTypes())
}

func TestRename(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, 0)
	ref := h.ConversationRef("conv1")

	userL := newChanListener(8)
	h.registry.Subscribe(userTopic("bob"), userL)

	err := ref.Rename(ctx, "alice", strings.Repeat("x", types.MaxConversationNameLen+1))
	assert.ErrorIs(t, err, types.ErrValidation)

	// The cap counts characters: a multibyte name within the limit passes.
	require.NoError(t, ref.Rename(ctx, "alice", strings.Repeat("🎉", types.MaxConversationNameLen)))
	err = ref.Rename(ctx, "alice", strings.Repeat("🎉", types.MaxConversationNameLen+1))
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, ref.Rename(ctx, "alice", "  weekend plans  "))
	details, err := ref.GetDetails(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, details.Name)
	assert.Equal(t, "weekend plans", *details.Name)
	assert.Contains(t, userL.drainTypes(), evtConversationRenamed)

	// Blank clears the name.
	require.NoError(t, ref.Rename(ctx, "alice", "   "))
	details, err = ref.GetDetails(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, details.Name)
}

func TestDeleteConversation(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, time.Hour)
	registerUsers(t, h, "mallory")
	ref := h.ConversationRef("conv1")
	postMessage(t, h, "conv1", "alice", "m", "")

	l := newChanListener(8)
	h.registry.Subscribe(conversationTopic("conv1"), l)

	err := ref.Delete(ctx, "mallory")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	require.NoError(t, ref.Delete(ctx, "bob"))
	assert.Contains(t, l.drainTypes(), evtConversationDeleted)

	// Message bodies, the retention trigger and memberships are all gone.
	assert.Equal(t, 0, mem.MessageCount("conv1"))
	due, err := store.Schedules.Due(types.TimeNow().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
	ids, err := h.UserRef("alice").GetConversationIds(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = ref.GetDetails(ctx, "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestRetentionExpiresPrefixOnly(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, time.Hour)
	ref := h.ConversationRef("conv1")

	old1 := postMessage(t, h, "conv1", "alice", "old1", "")
	old2 := postMessage(t, h, "conv1", "alice", "old2", "")
	fresh := postMessage(t, h, "conv1", "bob", "fresh", "")

	// Backdate the first two messages by editing the durable record, then
	// discard the live instance so the next operation reloads it.
	h.deactivate(types.KindConversation, "conv1")
	blob, err := store.Entities.Get(types.KindConversation, "conv1")
	require.NoError(t, err)
	var cs types.ConversationState
	require.NoError(t, json.Unmarshal(blob, &cs))
	stale := types.TimeNow().Add(-2 * time.Hour)
	cs.MessageTimestamps[old1.ID] = stale
	cs.MessageTimestamps[old2.ID] = stale
	blob, err = json.Marshal(&cs)
	require.NoError(t, err)
	require.NoError(t, store.Entities.Put(types.KindConversation, "conv1", blob))

	l := newChanListener(8)
	h.registry.Subscribe(conversationTopic("conv1"), l)

	require.NoError(t, ref.RunRetention(ctx, types.TimeNow()))

	evt := l.next(t)
	require.NotNil(t, evt)
	assert.Equal(t, evtMessagesExpired, evt["type"])
	assert.Equal(t, float64(2), evt["count"])

	page, err := ref.GetMessages(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, fresh.ID, page[0].ID)
	assert.Equal(t, 1, mem.MessageCount("conv1"))

	// A second pass with nothing expired publishes nothing.
	require.NoError(t, ref.RunRetention(ctx, types.TimeNow()))
	assert.Empty(t, l.drainTypes())
}

func TestRetentionPrunesThreadIndices(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	newConversation(t, h, "conv1", []string{"alice", "bob"}, time.Hour)
	ref := h.ConversationRef("conv1")

	parent := postMessage(t, h, "conv1", "alice", "root", "")
	oldReply := postMessage(t, h, "conv1", "bob", "first reply", parent.ID)
	freshReply := postMessage(t, h, "conv1", "bob", "late reply", parent.ID)

	// Backdate the parent and its first reply past the retention horizon.
	h.deactivate(types.KindConversation, "conv1")
	blob, err := store.Entities.Get(types.KindConversation, "conv1")
	require.NoError(t, err)
	var cs types.ConversationState
	require.NoError(t, json.Unmarshal(blob, &cs))
	stale := types.TimeNow().Add(-2 * time.Hour)
	cs.MessageTimestamps[parent.ID] = stale
	cs.MessageTimestamps[oldReply.ID] = stale
	blob, err = json.Marshal(&cs)
	require.NoError(t, err)
	require.NoError(t, store.Entities.Put(types.KindConversation, "conv1", blob))

	require.NoError(t, ref.RunRetention(ctx, types.TimeNow()))

	// The expired parent is gone as a reply-list key: its surviving reply
	// is no longer threaded under it.
	replies, err := ref.GetMessageReplies(ctx, "alice", parent.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, replies)

	// No surviving index references an expired id, neither as a key nor
	// inside another message's reply list.
	h.deactivate(types.KindConversation, "conv1")
	blob, err = store.Entities.Get(types.KindConversation, "conv1")
	require.NoError(t, err)
	cs = types.ConversationState{}
	require.NoError(t, json.Unmarshal(blob, &cs))
	for _, gone := range []string{parent.ID, oldReply.ID} {
		assert.NotContains(t, cs.MessageReplies, gone)
		assert.NotContains(t, cs.MessageTimestamps, gone)
		for p, children := range cs.MessageReplies {
			assert.NotContains(t, children, gone, "reply list of %s", p)
		}
	}

	page, err := ref.GetMessages(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, freshReply.ID, page[0].ID)
}

func TestRetentionDropsStaleTrigger(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)

	// A trigger pointing at a conversation that no longer exists.
	require.NoError(t, store.Schedules.Upsert(&types.ScheduleEntry{
		Kind:     types.KindConversation,
		ID:       "ghost",
		NextFire: types.TimeNow(),
		Period:   time.Minute,
	}))

	err := h.ConversationRef("ghost").RunRetention(ctx, types.TimeNow())
	assert.ErrorIs(t, err, types.ErrNotFound)

	due, err := store.Schedules.Due(types.TimeNow().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}
