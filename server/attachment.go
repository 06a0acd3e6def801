/******************************************************************************
 *
 *  Description :
 *    Attachment entity: a single encrypted blob plus its metadata, written
 *    once and immutable afterwards. Reads are gated on membership in the
 *    owning conversation, checked against the conversation entity at read
 *    time rather than captured at upload time.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"

	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

// Attachment is an activated attachment entity instance.
type Attachment struct {
	id  string
	hub *Hub
	as  *t.AttachmentState
}

func (a *Attachment) load() error {
	blob, err := store.Entities.Get(t.KindAttachment, a.id)
	if err != nil {
		return err
	}
	if blob == nil {
		return nil
	}
	var as t.AttachmentState
	if err := json.Unmarshal(blob, &as); err != nil {
		return err
	}
	a.as = &as
	return nil
}

func (a *Attachment) unload() {}

func (a *Attachment) persist() error {
	blob, err := json.Marshal(a.as)
	if err != nil {
		return err
	}
	return store.Entities.Put(t.KindAttachment, a.id, blob)
}

// storeBlob validates and writes the attachment. Write-once: a second store
// call fails regardless of content.
func (a *Attachment) storeBlob(ctx context.Context, callerID string, as *t.AttachmentState) error {
	if a.as != nil && a.as.IsStored {
		return t.ErrInvalidState
	}
	if callerID == "" || callerID != as.SenderID {
		return t.ErrUnauthorized
	}
	if as.ConversationID == "" || as.FileName == "" {
		return t.ErrValidation
	}
	if !t.AllowedAttachmentTypes[as.ContentType] {
		return t.ErrValidation
	}
	if int64(len(as.Payload)) > t.MaxAttachmentSize || len(as.Payload) == 0 {
		return t.ErrValidation
	}

	member, err := a.hub.ConversationRef(as.ConversationID).IsParticipant(ctx, callerID)
	if err != nil {
		return err
	}
	if !member {
		return t.ErrUnauthorized
	}

	stored := *as
	stored.ID = a.id
	stored.Size = int64(len(as.Payload))
	stored.UploadedAt = t.TimeNow()
	stored.IsStored = true
	a.as = &stored
	if err := a.persist(); err != nil {
		a.as = nil
		return err
	}
	return nil
}

// get returns metadata and payload to conversation participants only.
func (a *Attachment) get(ctx context.Context, callerID string) (*AttachmentMeta, []byte, error) {
	if a.as == nil || !a.as.IsStored {
		return nil, nil, t.ErrNotFound
	}
	member, err := a.hub.ConversationRef(a.as.ConversationID).IsParticipant(ctx, callerID)
	if err != nil {
		return nil, nil, err
	}
	if !member {
		return nil, nil, t.ErrUnauthorized
	}
	meta := &AttachmentMeta{
		ID:             a.as.ID,
		ConversationID: a.as.ConversationID,
		SenderID:       a.as.SenderID,
		FileName:       a.as.FileName,
		ContentType:    a.as.ContentType,
		Size:           a.as.Size,
		Nonce:          b64(a.as.Nonce),
		AuthTag:        b64(a.as.AuthTag),
		KeyVersion:     a.as.KeyVersion,
		UploadedAt:     a.as.UploadedAt,
	}
	return meta, a.as.Payload, nil
}

func (a *Attachment) exists() bool {
	return a.as != nil && a.as.IsStored
}

// AttRef is the dispatch handle of one attachment entity.
type AttRef struct {
	hub *Hub
	id  string
}

func (r AttRef) call(ctx context.Context, name string, exec func(*Attachment) error) error {
	return r.hub.dispatch(ctx, t.KindAttachment, r.id, name, func(e entity) error {
		return exec(e.(*Attachment))
	})
}

// Store validates and writes the attachment blob. Write-once.
func (r AttRef) Store(ctx context.Context, callerID string, as *t.AttachmentState) error {
	return r.call(ctx, "storeAttachment", func(a *Attachment) error {
		return a.storeBlob(ctx, callerID, as)
	})
}

// Get returns metadata and payload to a conversation participant.
func (r AttRef) Get(ctx context.Context, callerID string) (*AttachmentMeta, []byte, error) {
	var meta *AttachmentMeta
	var payload []byte
	err := r.call(ctx, "getAttachment", func(a *Attachment) error {
		var err error
		meta, payload, err = a.get(ctx, callerID)
		return err
	})
	return meta, payload, err
}

// Exists reports whether the attachment has been stored.
func (r AttRef) Exists(ctx context.Context) (bool, error) {
	var ok bool
	err := r.call(ctx, "attachmentExists", func(a *Attachment) error {
		ok = a.exists()
		return nil
	})
	return ok, err
}
