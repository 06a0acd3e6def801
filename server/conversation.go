/******************************************************************************
 *
 *  Description :
 *    Conversation entity: participants, encrypted key fan-out, message
 *    index, threads, reactions, read receipts,  retention cleanup. The
 *    most complex entity of the engine. Message bodies are owned by the
 *    message store collaborator; this entity owns all indexing.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/whisperline/whisperline/server/logs"
	"github.com/whisperline/whisperline/server/push"
	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

// Conversation is an activated conversation entity instance.
type Conversation struct {
	id  string
	hub *Hub
	cs  *t.ConversationState
}

// load brings durable conversation state into memory.
func (c *Conversation) load() error {
	blob, err := store.Entities.Get(t.KindConversation, c.id)
	if err != nil {
		return err
	}
	if blob == nil {
		c.cs = t.NewConversationState(c.id)
		return nil
	}
	cs := t.NewConversationState(c.id)
	if err := json.Unmarshal(blob, cs); err != nil {
		return err
	}
	c.cs = cs
	return nil
}

func (c *Conversation) unload() {}

// persist writes the full state record. Mutating operations call it before
// reporting success, making durability synchronous with the operation.
func (c *Conversation) persist() error {
	blob, err := json.Marshal(c.cs)
	if err != nil {
		return err
	}
	return store.Entities.Put(t.KindConversation, c.id, blob)
}

func (c *Conversation) requireCreated() error {
	if !c.cs.IsCreated {
		return t.ErrInvalidState
	}
	return nil
}

func (c *Conversation) requireParticipant(userID string) error {
	if err := c.requireCreated(); err != nil {
		return err
	}
	if !c.cs.Participants.Contains(userID) {
		return t.ErrUnauthorized
	}
	return nil
}

// create initializes the conversation. Fails when already created, when the
// caller is not among the participants or not the creator, or when fewer
// than two participants are given. No partial state survives a failure.
func (c *Conversation) create(ctx context.Context, callerID string, participants []string, creatorID string, retention time.Duration) error {
	if c.cs.IsCreated {
		return t.ErrInvalidState
	}
	members := t.NewStringSet(participants...)
	if len(members) < 2 {
		return t.ErrValidation
	}
	if !members.Contains(callerID) {
		return t.ErrUnauthorized
	}
	if callerID != creatorID {
		return t.ErrUnauthorized
	}

	now := t.TimeNow()
	c.cs.IsCreated = true
	c.cs.CreatorID = creatorID
	c.cs.Participants = members
	c.cs.CreatedAt = now
	c.cs.LastActivityAt = now
	c.cs.RetentionPeriod = retention

	if err := c.persist(); err != nil {
		// Roll the instance back to pristine so a retry can succeed.
		c.cs = t.NewConversationState(c.id)
		return err
	}

	if retention > 0 {
		if err := store.Schedules.Upsert(&t.ScheduleEntry{
			Kind:     t.KindConversation,
			ID:       c.id,
			NextFire: now.Add(retentionScanPeriod(retention)),
			Period:   retentionScanPeriod(retention),
		}); err != nil {
			logs.Err.Println("conv: failed to register retention trigger", c.id, err)
		}
	}

	// Best-effort sequential RPCs, no rollback on partial failure.
	for _, uid := range members.Members() {
		if err := c.hub.UserRef(uid).AddConversation(ctx, c.id); err != nil {
			logs.Err.Println("conv: create: cannot register with user", uid, err)
		}
	}

	evt := &EvConversationCreated{
		Type:           evtConversationCreated,
		ConversationID: c.id,
		CreatorID:      creatorID,
		Participants:   members.Members(),
		CreatedAt:      now,
	}
	// Announce on each participant's user topic and on every other
	// conversation those participants have open, so sidebars update
	// without the new conversation being subscribed to yet.
	for _, topic := range c.reachableTopics(ctx, "") {
		c.hub.registry.Publish(topic, evt)
	}
	return nil
}

// reachableTopics collects the user topic of every participant plus the
// topics of every other conversation the participants belong to, deduped.
// The conversation's own topic is excluded. skipUser, when set, excludes
// that participant's user topic.
func (c *Conversation) reachableTopics(ctx context.Context, skipUser string) []string {
	seen := make(map[string]bool)
	var topics []string
	add := func(topic string) {
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	for _, uid := range c.cs.Participants.Members() {
		if uid != skipUser {
			add(userTopic(uid))
		}
		convIDs, err := c.hub.UserRef(uid).ConversationIDs(ctx)
		if err != nil {
			logs.Warn.Println("conv: cannot list conversations of", uid, err)
			continue
		}
		for _, convID := range convIDs {
			if convID != c.id {
				add(conversationTopic(convID))
			}
		}
	}
	return topics
}

// getDetails returns the conversation projection. Participants only.
func (c *Conversation) getDetails(callerID string) (*ConversationDetails, error) {
	if err := c.requireParticipant(callerID); err != nil {
		return nil, err
	}
	return &ConversationDetails{
		ID:                c.id,
		Name:              c.cs.Name,
		CreatorID:         c.cs.CreatorID,
		Participants:      c.cs.Participants.Members(),
		CreatedAt:         c.cs.CreatedAt,
		LastActivityAt:    c.cs.LastActivityAt,
		CurrentKeyVersion: c.cs.CurrentKeyVersion,
		MessageCount:      c.cs.MessageCount,
		RetentionPeriod:   c.cs.RetentionPeriod,
	}, nil
}

// isParticipant is readable by anyone, unlike getDetails.
func (c *Conversation) isParticipant(userID string) (bool, error) {
	if err := c.requireCreated(); err != nil {
		return false, err
	}
	return c.cs.Participants.Contains(userID), nil
}

// addParticipant admits a new member. Re-adding an existing member is a
// no-op: no write, no notification.
func (c *Conversation) addParticipant(ctx context.Context, callerID, userID string) error {
	if err := c.requireParticipant(callerID); err != nil {
		return err
	}
	if userID == "" {
		return t.ErrMalformed
	}
	if !c.cs.Participants.Add(userID) {
		return nil
	}
	if err := c.persist(); err != nil {
		c.cs.Participants.Remove(userID)
		return err
	}
	if err := c.hub.UserRef(userID).AddConversation(ctx, c.id); err != nil {
		logs.Err.Println("conv: addParticipant: cannot register with user", userID, err)
	}
	return nil
}

// removeParticipant evicts a member and deletes their encrypted key copies.
// Allowed to the member themselves and to the conversation creator.
func (c *Conversation) removeParticipant(ctx context.Context, callerID, userID string) error {
	if err := c.requireParticipant(callerID); err != nil {
		return err
	}
	if callerID != userID && callerID != c.cs.CreatorID {
		return t.ErrUnauthorized
	}
	if !c.cs.Participants.Contains(userID) {
		return t.ErrNotFound
	}

	c.cs.Participants.Remove(userID)
	removedKeys := c.cs.EncryptedKeys[userID]
	delete(c.cs.EncryptedKeys, userID)

	if err := c.persist(); err != nil {
		c.cs.Participants.Add(userID)
		if removedKeys != nil {
			c.cs.EncryptedKeys[userID] = removedKeys
		}
		return err
	}

	if err := c.hub.UserRef(userID).RemoveConversation(ctx, c.id); err != nil {
		logs.Err.Println("conv: removeParticipant: cannot unregister with user", userID, err)
	}
	return nil
}

// storeEncryptedKey files one participant's copy of a conversation key.
// Keys are opaque blobs produced client-side.
func (c *Conversation) storeEncryptedKey(callerID, userID string, key []byte, keyVersion int) error {
	if err := c.requireParticipant(callerID); err != nil {
		return err
	}
	if !c.cs.Participants.Contains(userID) {
		return t.ErrValidation
	}
	if len(key) == 0 || keyVersion < 1 || keyVersion > c.cs.CurrentKeyVersion {
		return t.ErrValidation
	}

	byVersion := c.cs.EncryptedKeys[userID]
	if byVersion == nil {
		byVersion = make(map[int][]byte)
		c.cs.EncryptedKeys[userID] = byVersion
	}
	prev, had := byVersion[keyVersion]
	byVersion[keyVersion] = key

	if err := c.persist(); err != nil {
		if had {
			byVersion[keyVersion] = prev
		} else {
			delete(byVersion, keyVersion)
		}
		return err
	}
	return nil
}

// getEncryptedKey fetches the caller's own key copy for one version.
func (c *Conversation) getEncryptedKey(callerID, userID string, keyVersion int) ([]byte, error) {
	if err := c.requireParticipant(callerID); err != nil {
		return nil, err
	}
	if callerID != userID {
		return nil, t.ErrUnauthorized
	}
	key := c.cs.EncryptedKeys[userID][keyVersion]
	if key == nil {
		return nil, t.ErrNotFound
	}
	return key, nil
}

// postMessage stores the encrypted body through the message store
// collaborator, indexes the new id and fans out notifications. Every
// KeyRotationEvery-th message ever posted advances the key version; the
// server generates no keys, clients are expected to push fresh encrypted
// copies afterwards.
func (c *Conversation) postMessage(ctx context.Context, callerID, senderID string, content MessageContent) (*MsgOut, error) {
	if callerID != senderID {
		return nil, t.ErrUnauthorized
	}
	if err := c.requireParticipant(senderID); err != nil {
		return nil, err
	}
	if len(content.Ciphertext) == 0 {
		return nil, t.ErrValidation
	}
	if content.ParentID != "" {
		if _, ok := c.cs.MessageTimestamps[content.ParentID]; !ok {
			return nil, t.ErrNotFound
		}
	}

	now := t.TimeNow()
	stored := &t.StoredMessage{
		ConversationID: c.id,
		SenderID:       senderID,
		ParentID:       content.ParentID,
		AttachmentID:   content.AttachmentID,
		Ciphertext:     content.Ciphertext,
		Nonce:          content.Nonce,
		AuthTag:        content.AuthTag,
		KeyVersion:     c.cs.CurrentKeyVersion,
		CreatedAt:      now,
	}
	msgID, err := store.Messages.Save(stored)
	if err != nil {
		return nil, err
	}

	c.cs.MessageIDs = append(c.cs.MessageIDs, msgID)
	c.cs.MessageTimestamps[msgID] = now
	c.cs.MessageCount++
	c.cs.LifetimeMessageCount++
	c.cs.LastActivityAt = now
	if content.ParentID != "" {
		c.cs.MessageReplies[content.ParentID] = append(c.cs.MessageReplies[content.ParentID], msgID)
	}
	if c.cs.LifetimeMessageCount%t.KeyRotationEvery == 0 {
		c.cs.CurrentKeyVersion++
	}

	if err := c.persist(); err != nil {
		return nil, err
	}

	c.hub.registry.Publish(conversationTopic(c.id), &EvMessage{
		Type:           evtMessage,
		ConversationID: c.id,
		MessageID:      msgID,
		SenderID:       senderID,
		Ciphertext:     b64(content.Ciphertext),
		Nonce:          b64(content.Nonce),
		AuthTag:        b64(content.AuthTag),
		KeyVersion:     stored.KeyVersion,
		ParentID:       content.ParentID,
		AttachmentID:   content.AttachmentID,
		Timestamp:      now,
	})

	indicator := &EvNewMessageIndicator{
		Type:           evtNewMessageIndicator,
		ConversationID: c.id,
		SenderID:       senderID,
		Timestamp:      now,
	}
	for _, topic := range c.reachableTopics(ctx, "") {
		c.hub.registry.Publish(topic, indicator)
	}

	c.pushToParticipants(senderID, msgID, now)

	out := msgOut(stored, nil)
	return &out, nil
}

// pushToParticipants requests a best-effort push notification for every
// participant except the sender. Dispatched through the worker pool so
// push transport latency never holds the entity's serial loop.
func (c *Conversation) pushToParticipants(senderID, msgID string, ts time.Time) {
	payload := push.Payload{
		What:           push.ActMsg,
		ConversationID: c.id,
		SenderID:       senderID,
		MessageID:      msgID,
		Timestamp:      ts,
	}
	for _, uid := range c.cs.Participants.Members() {
		if uid == senderID {
			continue
		}
		uid := uid
		scheduled := c.hub.pool.TrySchedule(func() {
			if err := c.hub.PushSubsRef(uid).SendNotification(context.Background(), payload); err != nil {
				logs.Warn.Println("conv: push to", uid, "failed:", err)
			}
		})
		if !scheduled {
			// Pushes are best-effort: a saturated pool must not stall
			// the serial loop.
			logs.Warn.Println("conv: push pool saturated, dropping push to", uid)
			statsInc("PushesDroppedTotal", 1)
		}
	}
	statsInc("PushesRequestedTotal", 1)
}

// getMessages pages from the newest end: skip counts back from the latest
// message, the window is returned oldest to newest with reactions attached.
func (c *Conversation) getMessages(callerID string, skip, take int) ([]MsgOut, error) {
	if err := c.requireParticipant(callerID); err != nil {
		return nil, err
	}
	if skip < 0 || take < 0 {
		return nil, t.ErrMalformed
	}

	total := len(c.cs.MessageIDs)
	hi := total - skip
	if hi <= 0 {
		return []MsgOut{}, nil
	}
	lo := hi - take
	if lo < 0 {
		lo = 0
	}
	return c.fetchMessages(c.cs.MessageIDs[lo:hi])
}

// getMessageReplies pages forward over the reply list of one message.
func (c *Conversation) getMessageReplies(callerID, parentID string, skip, take int) ([]MsgOut, error) {
	if err := c.requireParticipant(callerID); err != nil {
		return nil, err
	}
	if skip < 0 || take < 0 {
		return nil, t.ErrMalformed
	}

	replies := c.cs.MessageReplies[parentID]
	if skip >= len(replies) {
		return []MsgOut{}, nil
	}
	hi := skip + take
	if hi > len(replies) {
		hi = len(replies)
	}
	return c.fetchMessages(replies[skip:hi])
}

// fetchMessages loads bodies for the ids and returns them in id order with
// current reactions attached.
func (c *Conversation) fetchMessages(ids []string) ([]MsgOut, error) {
	stored, err := store.Messages.GetByConversation(c.id, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*t.StoredMessage, len(stored))
	for i := range stored {
		byID[stored[i].ID] = &stored[i]
	}
	out := make([]MsgOut, 0, len(ids))
	for _, id := range ids {
		msg := byID[id]
		if msg == nil {
			// Body missing from the collaborator; the index entry is
			// served without content elsewhere, here it is skipped.
			logs.Warn.Println("conv: message body missing", c.id, id)
			continue
		}
		out = append(out, msgOut(msg, c.cs.ReactionsFor(id)))
	}
	return out, nil
}

// markMessageAsRead records a read receipt. Idempotent: a repeated read by
// the same user causes no write and no event, so each user notifies each
// message at most once.
func (c *Conversation) markMessageAsRead(callerID, messageID, userID string) error {
	if callerID != userID {
		return t.ErrUnauthorized
	}
	if err := c.requireParticipant(userID); err != nil {
		return err
	}
	if _, ok := c.cs.MessageTimestamps[messageID]; !ok {
		return t.ErrNotFound
	}

	readers := c.cs.MessageReads[messageID]
	if readers == nil {
		readers = make(t.StringSet)
		c.cs.MessageReads[messageID] = readers
	}
	if !readers.Add(userID) {
		return nil
	}

	if err := c.persist(); err != nil {
		readers.Remove(userID)
		return err
	}

	c.hub.registry.Publish(conversationTopic(c.id), &EvReadReceipt{
		Type:           evtReadReceipt,
		ConversationID: c.id,
		MessageID:      messageID,
		UserID:         userID,
	})
	return nil
}

// getMessageReadReceipts lists users who read one message.
func (c *Conversation) getMessageReadReceipts(callerID, messageID string) ([]string, error) {
	if err := c.requireParticipant(callerID); err != nil {
		return nil, err
	}
	if _, ok := c.cs.MessageTimestamps[messageID]; !ok {
		return nil, t.ErrNotFound
	}
	return c.cs.MessageReads[messageID].Members(), nil
}

// toggleReaction is a strict toggle: present removes, absent adds. Empty
// emoji and message buckets are pruned on removal.
func (c *Conversation) toggleReaction(callerID, messageID, userID, emoji string) error {
	if callerID != userID {
		return t.ErrUnauthorized
	}
	if err := c.requireParticipant(userID); err != nil {
		return err
	}
	if emoji == "" {
		return t.ErrValidation
	}
	if _, ok := c.cs.MessageTimestamps[messageID]; !ok {
		return t.ErrNotFound
	}

	added := true
	if !c.cs.AddReaction(messageID, emoji, userID) {
		c.cs.RemoveReaction(messageID, emoji, userID)
		added = false
	}

	if err := c.persist(); err != nil {
		// Undo the toggle.
		if added {
			c.cs.RemoveReaction(messageID, emoji, userID)
		} else {
			c.cs.AddReaction(messageID, emoji, userID)
		}
		return err
	}

	evtType := evtReactionAdded
	if !added {
		evtType = evtReactionRemoved
	}
	c.hub.registry.Publish(conversationTopic(c.id), &EvReaction{
		Type:           evtType,
		ConversationID: c.id,
		MessageID:      messageID,
		UserID:         userID,
		Emoji:          emoji,
	})
	return nil
}

// getMessageReactions returns one message's reactions by emoji.
func (c *Conversation) getMessageReactions(callerID, messageID string) (map[string][]string, error) {
	if err := c.requireParticipant(callerID); err != nil {
		return nil, err
	}
	if _, ok := c.cs.MessageTimestamps[messageID]; !ok {
		return nil, t.ErrNotFound
	}
	return c.cs.ReactionsFor(messageID), nil
}

// rename sets or clears the display name. An empty or blank name clears it.
func (c *Conversation) rename(callerID, name string) error {
	if err := c.requireParticipant(callerID); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	// The cap is in characters, not bytes.
	if utf8.RuneCountInString(name) > t.MaxConversationNameLen {
		return t.ErrValidation
	}

	prev := c.cs.Name
	if name == "" {
		c.cs.Name = nil
	} else {
		c.cs.Name = &name
	}

	if err := c.persist(); err != nil {
		c.cs.Name = prev
		return err
	}

	evt := &EvConversationRenamed{
		Type:           evtConversationRenamed,
		ConversationID: c.id,
		Name:           c.cs.Name,
	}
	c.hub.registry.Publish(conversationTopic(c.id), evt)
	for _, uid := range c.cs.Participants.Members() {
		c.hub.registry.Publish(userTopic(uid), evt)
	}
	return nil
}

// deleteConversation performs full mutual deletion. Any participant may
// delete; the broadcast goes to every conversation topic each participant
// currently belongs to so all their open views drop the conversation.
func (c *Conversation) deleteConversation(ctx context.Context, callerID string) error {
	if err := c.requireParticipant(callerID); err != nil {
		return err
	}

	// Snapshot fanout targets before memberships are mutated.
	participants := c.cs.Participants.Members()
	seen := map[string]bool{conversationTopic(c.id): true}
	topics := []string{conversationTopic(c.id)}
	for _, uid := range participants {
		convIDs, err := c.hub.UserRef(uid).ConversationIDs(ctx)
		if err != nil {
			logs.Warn.Println("conv: delete: cannot list conversations of", uid, err)
			continue
		}
		for _, convID := range convIDs {
			if topic := conversationTopic(convID); !seen[topic] {
				seen[topic] = true
				topics = append(topics, topic)
			}
		}
	}

	if len(c.cs.MessageIDs) > 0 {
		if err := store.Messages.Delete(c.id, c.cs.MessageIDs); err != nil {
			logs.Err.Println("conv: delete: cannot erase message bodies", c.id, err)
		}
	}
	if err := store.Schedules.Delete(t.KindConversation, c.id); err != nil {
		logs.Err.Println("conv: delete: cannot drop retention trigger", c.id, err)
	}
	if err := store.Entities.Delete(t.KindConversation, c.id); err != nil {
		return err
	}

	for _, uid := range participants {
		if err := c.hub.UserRef(uid).RemoveConversation(ctx, c.id); err != nil {
			logs.Err.Println("conv: delete: cannot unregister with user", uid, err)
		}
	}

	evt := &EvConversationDeleted{Type: evtConversationDeleted, ConversationID: c.id}
	for _, topic := range topics {
		c.hub.registry.Publish(topic, evt)
	}

	c.cs = t.NewConversationState(c.id)
	c.hub.deactivate(t.KindConversation, c.id)
	return nil
}

// runRetention is the durable trigger callback. It fires independently of
// caller traffic but serializes with it through the entity mailbox like
// any other operation.
//
// Message ids are appended in non-decreasing timestamp order, so expired
// messages form a prefix: the scan stops at the first message at or after
// the cutoff.
func (c *Conversation) runRetention(now time.Time) error {
	if !c.cs.IsCreated || c.cs.RetentionPeriod <= 0 {
		// Stale trigger for a deleted or unconfigured conversation.
		if err := store.Schedules.Delete(t.KindConversation, c.id); err != nil {
			logs.Warn.Println("conv: retention: cannot drop stale trigger", c.id, err)
		}
		return t.ErrNotFound
	}

	cutoff := now.Add(-c.cs.RetentionPeriod)
	var expired []string
	for _, msgID := range c.cs.MessageIDs {
		ts, ok := c.cs.MessageTimestamps[msgID]
		if ok && !ts.Before(cutoff) {
			break
		}
		expired = append(expired, msgID)
	}
	if len(expired) == 0 {
		return nil
	}

	if err := store.Messages.Delete(c.id, expired); err != nil {
		return err
	}

	c.cs.MessageIDs = c.cs.MessageIDs[len(expired):]
	for _, msgID := range expired {
		c.cs.ForgetMessage(msgID)
	}
	c.cs.MessageCount = len(c.cs.MessageIDs)

	if err := c.persist(); err != nil {
		return err
	}

	c.hub.registry.Publish(conversationTopic(c.id), &EvMessagesExpired{
		Type:           evtMessagesExpired,
		ConversationID: c.id,
		MessageIDs:     expired,
		Count:          len(expired),
	})
	return nil
}

// ConvRef is the dispatch handle of one conversation entity.
type ConvRef struct {
	hub *Hub
	id  string
}

func (r ConvRef) call(ctx context.Context, name string, exec func(*Conversation) error) error {
	return r.hub.dispatch(ctx, t.KindConversation, r.id, name, func(e entity) error {
		return exec(e.(*Conversation))
	})
}

// Create initializes the conversation.
func (r ConvRef) Create(ctx context.Context, callerID string, participants []string, creatorID string, retention time.Duration) error {
	return r.call(ctx, "create", func(c *Conversation) error {
		return c.create(ctx, callerID, participants, creatorID, retention)
	})
}

// GetDetails returns the conversation projection.
func (r ConvRef) GetDetails(ctx context.Context, callerID string) (*ConversationDetails, error) {
	var details *ConversationDetails
	err := r.call(ctx, "getDetails", func(c *Conversation) error {
		var err error
		details, err = c.getDetails(callerID)
		return err
	})
	return details, err
}

// IsParticipant reports membership; readable without authorization.
func (r ConvRef) IsParticipant(ctx context.Context, userID string) (bool, error) {
	var is bool
	err := r.call(ctx, "isParticipant", func(c *Conversation) error {
		var err error
		is, err = c.isParticipant(userID)
		return err
	})
	return is, err
}

// AddParticipant admits a new member.
func (r ConvRef) AddParticipant(ctx context.Context, callerID, userID string) error {
	return r.call(ctx, "addParticipant", func(c *Conversation) error {
		return c.addParticipant(ctx, callerID, userID)
	})
}

// RemoveParticipant evicts a member.
func (r ConvRef) RemoveParticipant(ctx context.Context, callerID, userID string) error {
	return r.call(ctx, "removeParticipant", func(c *Conversation) error {
		return c.removeParticipant(ctx, callerID, userID)
	})
}

// StoreEncryptedConversationKey files a participant's key copy.
func (r ConvRef) StoreEncryptedConversationKey(ctx context.Context, callerID, userID string, key []byte, keyVersion int) error {
	return r.call(ctx, "storeEncryptedConversationKey", func(c *Conversation) error {
		return c.storeEncryptedKey(callerID, userID, key, keyVersion)
	})
}

// GetEncryptedConversationKey fetches the caller's own key copy.
func (r ConvRef) GetEncryptedConversationKey(ctx context.Context, callerID, userID string, keyVersion int) ([]byte, error) {
	var key []byte
	err := r.call(ctx, "getEncryptedConversationKey", func(c *Conversation) error {
		var err error
		key, err = c.getEncryptedKey(callerID, userID, keyVersion)
		return err
	})
	return key, err
}

// PostMessage stores and indexes a new encrypted message.
func (r ConvRef) PostMessage(ctx context.Context, callerID, senderID string, content MessageContent) (*MsgOut, error) {
	var out *MsgOut
	err := r.call(ctx, "postMessage", func(c *Conversation) error {
		var err error
		out, err = c.postMessage(ctx, callerID, senderID, content)
		return err
	})
	return out, err
}

// GetMessages pages messages from the newest end.
func (r ConvRef) GetMessages(ctx context.Context, callerID string, skip, take int) ([]MsgOut, error) {
	var msgs []MsgOut
	err := r.call(ctx, "getMessages", func(c *Conversation) error {
		var err error
		msgs, err = c.getMessages(callerID, skip, take)
		return err
	})
	return msgs, err
}

// GetMessageReplies pages the reply thread of one message.
func (r ConvRef) GetMessageReplies(ctx context.Context, callerID, parentID string, skip, take int) ([]MsgOut, error) {
	var msgs []MsgOut
	err := r.call(ctx, "getMessageReplies", func(c *Conversation) error {
		var err error
		msgs, err = c.getMessageReplies(callerID, parentID, skip, take)
		return err
	})
	return msgs, err
}

// MarkMessageAsRead records a read receipt.
func (r ConvRef) MarkMessageAsRead(ctx context.Context, callerID, messageID, userID string) error {
	return r.call(ctx, "markMessageAsRead", func(c *Conversation) error {
		return c.markMessageAsRead(callerID, messageID, userID)
	})
}

// GetMessageReadReceipts lists readers of one message.
func (r ConvRef) GetMessageReadReceipts(ctx context.Context, callerID, messageID string) ([]string, error) {
	var readers []string
	err := r.call(ctx, "getMessageReadReceipts", func(c *Conversation) error {
		var err error
		readers, err = c.getMessageReadReceipts(callerID, messageID)
		return err
	})
	return readers, err
}

// ToggleReaction flips one user's reaction on a message.
func (r ConvRef) ToggleReaction(ctx context.Context, callerID, messageID, userID, emoji string) error {
	return r.call(ctx, "toggleReaction", func(c *Conversation) error {
		return c.toggleReaction(callerID, messageID, userID, emoji)
	})
}

// GetMessageReactions returns one message's reactions.
func (r ConvRef) GetMessageReactions(ctx context.Context, callerID, messageID string) (map[string][]string, error) {
	var reactions map[string][]string
	err := r.call(ctx, "getMessageReactions", func(c *Conversation) error {
		var err error
		reactions, err = c.getMessageReactions(callerID, messageID)
		return err
	})
	return reactions, err
}

// Rename sets or clears the display name.
func (r ConvRef) Rename(ctx context.Context, callerID, name string) error {
	return r.call(ctx, "rename", func(c *Conversation) error {
		return c.rename(callerID, name)
	})
}

// Delete performs full mutual deletion.
func (r ConvRef) Delete(ctx context.Context, callerID string) error {
	return r.call(ctx, "deleteConversation", func(c *Conversation) error {
		return c.deleteConversation(ctx, callerID)
	})
}

// RunRetention dispatches the retention trigger. Called by the schedule
// scanner, reactivating the entity when needed.
func (r ConvRef) RunRetention(ctx context.Context, now time.Time) error {
	return r.call(ctx, "runRetention", func(c *Conversation) error {
		return c.runRetention(now)
	})
}

// retentionScanPeriod picks how often the retention trigger of a
// conversation fires: often enough that messages do not outlive the policy
// by much, bounded to avoid busy rescans of short policies.
func retentionScanPeriod(retention time.Duration) time.Duration {
	period := retention / 10
	if period < time.Minute {
		period = time.Minute
	}
	if period > time.Hour {
		period = time.Hour
	}
	return period
}
