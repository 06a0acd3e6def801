// Package types contains the durable state records of the chat entities and
// the errors shared between the store and the entity layer.
package types

import (
	"encoding/json"
	"sort"
	"time"
)

// StoreError satisfies Error interface but allows constant values for
// direct comparison.
type StoreError string

// Error is required by error interface.
func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrMalformed means the input is malformed.
	ErrMalformed = StoreError("malformed")
	// ErrUnauthorized means the caller is not permitted to perform the operation.
	ErrUnauthorized = StoreError("unauthorized")
	// ErrInvalidState means the entity cannot serve the operation in its
	// current state: not created yet, already created, request no longer
	// pending, invite expired or used up.
	ErrInvalidState = StoreError("invalid state")
	// ErrNotFound means the object (key version, message, request, invite)
	// does not exist.
	ErrNotFound = StoreError("not found")
	// ErrValidation means the input failed a validation check.
	ErrValidation = StoreError("validation failure")
	// ErrOverloaded means the entity mailbox is full.
	ErrOverloaded = StoreError("overloaded")
)

// Entity kinds. Used as the first half of a durable storage key and as the
// routing discriminator in the entity directory.
type EntityKind string

const (
	KindConversation   EntityKind = "conv"
	KindUser           EntityKind = "user"
	KindContactRequest EntityKind = "creq"
	KindContactInvite  EntityKind = "invite"
	KindAttachment     EntityKind = "attach"
	KindPushSubs       EntityKind = "pushsubs"
)

const (
	// KeyRotationEvery is the message interval at which the conversation
	// key version is advanced.
	KeyRotationEvery = 1000
	// MaxConversationNameLen is the longest accepted conversation name.
	MaxConversationNameLen = 100
	// MaxAttachmentSize is the upper bound on encrypted attachment payloads.
	MaxAttachmentSize = 10 << 20
	// InviteLifetime is the fixed time-to-live of a contact invite.
	InviteLifetime = time.Hour
)

// AllowedAttachmentTypes is the attachment content-type allow-list.
var AllowedAttachmentTypes = map[string]bool{
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// StringSet is an unordered set of strings which marshals as a sorted JSON
// array so that persisted state is deterministic.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	ss := make(StringSet, len(members))
	for _, m := range members {
		ss[m] = struct{}{}
	}
	return ss
}

// Contains reports set membership.
func (ss StringSet) Contains(s string) bool {
	_, ok := ss[s]
	return ok
}

// Add inserts a member, reporting whether the set changed.
func (ss StringSet) Add(s string) bool {
	if ss.Contains(s) {
		return false
	}
	ss[s] = struct{}{}
	return true
}

// Remove deletes a member, reporting whether the set changed.
func (ss StringSet) Remove(s string) bool {
	if !ss.Contains(s) {
		return false
	}
	delete(ss, s)
	return true
}

// Members returns the sorted members of the set.
func (ss StringSet) Members() []string {
	out := make([]string, 0, len(ss))
	for s := range ss {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON writes the set as a sorted array.
func (ss StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ss.Members())
}

// UnmarshalJSON reads the set from an array.
func (ss *StringSet) UnmarshalJSON(b []byte) error {
	var members []string
	if err := json.Unmarshal(b, &members); err != nil {
		return err
	}
	*ss = NewStringSet(members...)
	return nil
}

// RequestStatus is the lifecycle state of a contact request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// ConversationState is the durable record of a conversation entity.
type ConversationState struct {
	ID        string `json:"id"`
	IsCreated bool   `json:"isCreated"`
	CreatorID string `json:"creatorId"`
	// Optional display name; nil when unnamed.
	Name *string `json:"name,omitempty"`

	Participants StringSet `json:"participants"`

	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`

	// Every participant's copy of every historical conversation key,
	// indexed by user id then key version. Opaque to the server.
	EncryptedKeys     map[string]map[int][]byte `json:"encryptedKeys"`
	CurrentKeyVersion int                       `json:"currentKeyVersion"`

	// Count of currently retained messages. Decremented by retention cleanup.
	MessageCount int `json:"messageCount"`
	// Monotonic count of messages ever posted. Drives key rotation.
	LifetimeMessageCount int `json:"lifetimeMessageCount"`

	// Message ids in insertion order. Never reordered.
	MessageIDs        []string                         `json:"messageIds"`
	MessageTimestamps map[string]time.Time             `json:"messageTimestamps"`
	MessageReplies    map[string][]string              `json:"messageReplies"`
	MessageReads      map[string]StringSet             `json:"messageReadReceipts"`
	MessageReactions  map[string]map[string]StringSet  `json:"messageReactions"`

	// Messages older than this duration are purged. Zero disables cleanup.
	RetentionPeriod time.Duration `json:"retentionPeriod"`
}

// NewConversationState returns an empty, not-yet-created conversation record.
func NewConversationState(id string) *ConversationState {
	return &ConversationState{
		ID:                id,
		Participants:      make(StringSet),
		EncryptedKeys:     make(map[string]map[int][]byte),
		CurrentKeyVersion: 1,
		MessageTimestamps: make(map[string]time.Time),
		MessageReplies:    make(map[string][]string),
		MessageReads:      make(map[string]StringSet),
		MessageReactions:  make(map[string]map[string]StringSet),
	}
}

// AddReaction records userID's reaction under (msgID, emoji), creating
// buckets as needed. Returns false if the reaction was already present.
func (cs *ConversationState) AddReaction(msgID, emoji, userID string) bool {
	byEmoji := cs.MessageReactions[msgID]
	if byEmoji == nil {
		byEmoji = make(map[string]StringSet)
		cs.MessageReactions[msgID] = byEmoji
	}
	users := byEmoji[emoji]
	if users == nil {
		users = make(StringSet)
		byEmoji[emoji] = users
	}
	return users.Add(userID)
}

// RemoveReaction deletes userID's reaction under (msgID, emoji) and prunes
// buckets which became empty: an emoji with zero users and a message with
// zero emojis must not linger in the map. Returns false if the reaction was
// not present.
func (cs *ConversationState) RemoveReaction(msgID, emoji, userID string) bool {
	byEmoji := cs.MessageReactions[msgID]
	if byEmoji == nil {
		return false
	}
	users := byEmoji[emoji]
	if users == nil || !users.Remove(userID) {
		return false
	}
	if len(users) == 0 {
		delete(byEmoji, emoji)
	}
	if len(byEmoji) == 0 {
		delete(cs.MessageReactions, msgID)
	}
	return true
}

// ReactionsFor returns reactions of one message as emoji -> sorted user ids.
func (cs *ConversationState) ReactionsFor(msgID string) map[string][]string {
	byEmoji := cs.MessageReactions[msgID]
	if len(byEmoji) == 0 {
		return nil
	}
	out := make(map[string][]string, len(byEmoji))
	for emoji, users := range byEmoji {
		out[emoji] = users.Members()
	}
	return out
}

// ForgetMessage strips every per-message index of msgID: timestamp, read
// receipts, reactions, its own reply list and its appearances in other
// messages' reply lists. The id itself is expected to be already removed
// from MessageIDs by the caller.
func (cs *ConversationState) ForgetMessage(msgID string) {
	delete(cs.MessageTimestamps, msgID)
	delete(cs.MessageReads, msgID)
	delete(cs.MessageReactions, msgID)
	delete(cs.MessageReplies, msgID)
	for parent, children := range cs.MessageReplies {
		trimmed := children[:0]
		for _, child := range children {
			if child != msgID {
				trimmed = append(trimmed, child)
			}
		}
		if len(trimmed) == 0 {
			delete(cs.MessageReplies, parent)
		} else {
			cs.MessageReplies[parent] = trimmed
		}
	}
}

// UserState is the durable record of a user entity.
type UserState struct {
	ID           string `json:"id"`
	IsRegistered bool   `json:"isRegistered"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	// Public identity key material. Opaque to the server.
	PublicIdentityKey []byte `json:"publicIdentityKey,omitempty"`

	Conversations StringSet `json:"conversations"`
	Contacts      StringSet `json:"contacts"`
	// Ids of incoming contact requests still pending a response.
	PendingContactRequests StringSet `json:"pendingContactRequests"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// NewUserState returns an empty, unregistered user record.
func NewUserState(id string) *UserState {
	return &UserState{
		ID:                     id,
		Conversations:          make(StringSet),
		Contacts:               make(StringSet),
		PendingContactRequests: make(StringSet),
	}
}

// ContactRequestState is the durable record of a contact request entity.
type ContactRequestState struct {
	ID         string `json:"id"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	// Sender profile captured at creation time so later renames do not
	// retroactively alter request history.
	FromDisplayName string `json:"fromDisplayName"`
	FromEmail       string `json:"fromEmail"`

	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	RespondedAt *time.Time    `json:"respondedAt,omitempty"`
}

// AttachmentState is the durable record of an attachment entity.
type AttachmentState struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	FileName       string `json:"fileName"`
	ContentType    string `json:"contentType"`
	Size           int64  `json:"size"`

	// Encryption metadata, opaque to the server.
	Nonce      []byte `json:"nonce"`
	AuthTag    []byte `json:"authTag"`
	KeyVersion int    `json:"keyVersion"`

	Payload    []byte    `json:"payload"`
	UploadedAt time.Time `json:"uploadedAt"`
	IsStored   bool      `json:"isStored"`
}

// PushSubscription is a single registered web-push endpoint of a user.
type PushSubscription struct {
	// Endpoint is the unique key: re-registering the same endpoint
	// replaces the earlier record.
	Endpoint    string    `json:"endpoint"`
	P256dhKey   string    `json:"p256dhKey"`
	AuthKey     string    `json:"authKey"`
	DeviceLabel string    `json:"deviceLabel"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PushSubsState is the durable per-user list of push subscriptions.
type PushSubsState struct {
	UserID        string             `json:"userId"`
	Subscriptions []PushSubscription `json:"subscriptions"`
}

// StoredMessage is the message-body record handled by the message store
// collaborator. Body fields are opaque ciphertext.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ParentID       string    `json:"parentId,omitempty"`
	AttachmentID   string    `json:"attachmentId,omitempty"`
	Ciphertext     []byte    `json:"ciphertext"`
	Nonce          []byte    `json:"nonce"`
	AuthTag        []byte    `json:"authTag"`
	KeyVersion     int       `json:"keyVersion"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ScheduleEntry is one durable recurring trigger. It survives entity
// deactivation: the scanner reactivates the entity when the trigger fires.
type ScheduleEntry struct {
	Kind     EntityKind    `json:"kind"`
	ID       string        `json:"id"`
	NextFire time.Time     `json:"nextFire"`
	Period   time.Duration `json:"period"`
}
