/******************************************************************************
 *
 *  Description :
 *    Wire definitions: events published to broadcast topics and the data
 *    transfer objects returned by entity operations. All JSON keys are
 *    camelCase; binary blobs travel as base64 strings.
 *
 *****************************************************************************/

package main

import (
	"encoding/base64"
	"time"

	t "github.com/whisperline/whisperline/server/store/types"
)

// Event type discriminators.
const (
	evtConversationCreated = "conversation_created"
	evtMessage             = "message"
	evtNewMessageIndicator = "new_message_indicator"
	evtReadReceipt         = "read_receipt"
	evtReactionAdded       = "reaction_added"
	evtReactionRemoved     = "reaction_removed"
	evtConversationRenamed = "conversation_renamed"
	evtConversationDeleted = "conversation_deleted"
	evtMessagesExpired     = "messages_expired"
	evtContactRequest      = "contact_request"
	evtContactAccepted     = "contact_request_accepted"
	evtContactDeclined     = "contact_request_declined"
)

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// EvConversationCreated announces a new conversation to its participants.
type EvConversationCreated struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	CreatorID      string    `json:"creatorId"`
	Participants   []string  `json:"participants"`
	Name           *string   `json:"name,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// EvMessage carries a newly posted message to the conversation topic.
type EvMessage struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	Ciphertext     string    `json:"ciphertext"`
	Nonce          string    `json:"nonce"`
	AuthTag        string    `json:"authTag"`
	KeyVersion     int       `json:"keyVersion"`
	ParentID       string    `json:"parentId,omitempty"`
	AttachmentID   string    `json:"attachmentId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EvNewMessageIndicator is the lightweight unread marker sent everywhere
// except the conversation the message belongs to.
type EvNewMessageIndicator struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Timestamp      time.Time `json:"timestamp"`
}

// EvReadReceipt announces a message read by a user.
type EvReadReceipt struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
}

// EvReaction announces a reaction toggled on or off.
type EvReaction struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
}

// EvConversationRenamed announces a display name change.
type EvConversationRenamed struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversationId"`
	Name           *string `json:"name"`
}

// EvConversationDeleted announces full mutual deletion of a conversation.
type EvConversationDeleted struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// EvMessagesExpired lists messages purged by retention cleanup.
type EvMessagesExpired struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Count          int      `json:"count"`
}

// EvContactRequest announces a new incoming contact request.
type EvContactRequest struct {
	Type            string    `json:"type"`
	RequestID       string    `json:"requestId"`
	FromUserID      string    `json:"fromUserId"`
	ToUserID        string    `json:"toUserId"`
	FromDisplayName string    `json:"fromDisplayName"`
	FromEmail       string    `json:"fromEmail"`
	CreatedAt       time.Time `json:"createdAt"`
}

// EvContactResponse announces acceptance or decline of a contact request.
type EvContactResponse struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
}

// ConversationDetails is the getDetails projection.
type ConversationDetails struct {
	ID                string        `json:"id"`
	Name              *string       `json:"name,omitempty"`
	CreatorID         string        `json:"creatorId"`
	Participants      []string      `json:"participants"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastActivityAt    time.Time     `json:"lastActivityAt"`
	CurrentKeyVersion int           `json:"currentKeyVersion"`
	MessageCount      int           `json:"messageCount"`
	RetentionPeriod   time.Duration `json:"retentionPeriod"`
}

// MessageContent is the opaque encrypted body supplied by a posting client.
type MessageContent struct {
	Ciphertext   []byte
	Nonce        []byte
	AuthTag      []byte
	ParentID     string
	AttachmentID string
}

// MsgOut is one message returned by getMessages/getMessageReplies, with
// current reactions attached.
type MsgOut struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Ciphertext     string              `json:"ciphertext"`
	Nonce          string              `json:"nonce"`
	AuthTag        string              `json:"authTag"`
	KeyVersion     int                 `json:"keyVersion"`
	ParentID       string              `json:"parentId,omitempty"`
	AttachmentID   string              `json:"attachmentId,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
}

func msgOut(stored *t.StoredMessage, reactions map[string][]string) MsgOut {
	return MsgOut{
		ID:             stored.ID,
		ConversationID: stored.ConversationID,
		SenderID:       stored.SenderID,
		Ciphertext:     b64(stored.Ciphertext),
		Nonce:          b64(stored.Nonce),
		AuthTag:        b64(stored.AuthTag),
		KeyVersion:     stored.KeyVersion,
		ParentID:       stored.ParentID,
		AttachmentID:   stored.AttachmentID,
		Timestamp:      stored.CreatedAt,
		Reactions:      reactions,
	}
}

// UserProfile is the full self-view of a user.
type UserProfile struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	IsNewUser    bool      `json:"isNewUser,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// ContactCard is the publicly readable projection of a user, rendered for
// participants outside the viewer's contact list.
type ContactCard struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// RequestInfo is the projection of a contact request.
type RequestInfo struct {
	ID              string          `json:"id"`
	FromUserID      string          `json:"fromUserId"`
	ToUserID        string          `json:"toUserId"`
	FromDisplayName string          `json:"fromDisplayName"`
	FromEmail       string          `json:"fromEmail"`
	Status          t.RequestStatus `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	RespondedAt     *time.Time      `json:"respondedAt,omitempty"`
}

// InviteInfo is the projection of a contact invite, sans secrets.
type InviteInfo struct {
	ID                 string    `json:"id"`
	CreatorID          string    `json:"creatorId"`
	CreatorDisplayName string    `json:"creatorDisplayName"`
	CreatedAt          time.Time `json:"createdAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
	Accepted           bool      `json:"accepted"`
}

// AttachmentMeta describes a stored attachment without its payload.
type AttachmentMeta struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	FileName       string    `json:"fileName"`
	ContentType    string    `json:"contentType"`
	Size           int64     `json:"size"`
	Nonce          string    `json:"nonce"`
	AuthTag        string    `json:"authTag"`
	KeyVersion     int       `json:"keyVersion"`
	UploadedAt     time.Time `json:"uploadedAt"`
}
