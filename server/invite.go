/******************************************************************************
 *
 *  Description :
 *    Contact invite entity: a deliberately volatile, link-based alternative
 *    to directed contact requests. Invites live only in the activated
 *    instance and are never written to storage: the instance pins itself in
 *    memory until expiry, then vanishes. A restart also voids all invites.
 *    Two independent secrets must both match to accept.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/whisperline/whisperline/server/logs"
	t "github.com/whisperline/whisperline/server/store/types"
)

const inviteSecretLen = 32

// InviteCreated is returned to the creator once, with the secrets. The
// secrets are never retrievable again.
type InviteCreated struct {
	ID        string    `json:"id"`
	Secret1   string    `json:"secret1"`
	Secret2   string    `json:"secret2"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ContactInvite is an activated invite instance. All state lives in memory:
// expiry or a restart makes the invite unredeemable.
type ContactInvite struct {
	id  string
	hub *Hub

	created  bool
	accepted bool

	creatorID          string
	creatorDisplayName string
	secret1            string
	secret2            string
	createdAt          time.Time
	expiresAt          time.Time

	expireTimer *time.Timer
}

// load never reads storage: a freshly activated invite is always blank.
func (ci *ContactInvite) load() error { return nil }

func (ci *ContactInvite) unload() {
	if ci.expireTimer != nil {
		ci.expireTimer.Stop()
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, inviteSecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// create mints the invite and arms the expiry timer. The entity evicts
// itself shortly after expiry so dead invites do not linger.
func (ci *ContactInvite) create(ctx context.Context, creatorID string) (*InviteCreated, error) {
	if ci.created {
		return nil, t.ErrInvalidState
	}
	if creatorID == "" {
		return nil, t.ErrValidation
	}

	card, err := ci.hub.UserRef(creatorID).GetContactInfo(ctx)
	if err != nil {
		return nil, err
	}

	s1, err := randomSecret()
	if err != nil {
		return nil, err
	}
	s2, err := randomSecret()
	if err != nil {
		return nil, err
	}

	now := t.TimeNow()
	ci.created = true
	ci.creatorID = creatorID
	ci.creatorDisplayName = card.DisplayName
	ci.secret1 = s1
	ci.secret2 = s2
	ci.createdAt = now
	ci.expiresAt = now.Add(t.InviteLifetime)

	hub, kind, id := ci.hub, t.KindContactInvite, ci.id
	ci.expireTimer = time.AfterFunc(t.InviteLifetime+time.Minute, func() {
		hub.deactivate(kind, id)
	})

	return &InviteCreated{
		ID:        ci.id,
		Secret1:   s1,
		Secret2:   s2,
		ExpiresAt: ci.expiresAt,
	}, nil
}

func (ci *ContactInvite) expired() bool {
	return t.TimeNow().After(ci.expiresAt)
}

// keepAlive pins the instance while the invite is still redeemable. Memory
// holds the only copy, so idle retirement before expiry would void a live
// invite. Expired, accepted and blank instances are fair game.
func (ci *ContactInvite) keepAlive() bool {
	return ci.created && !ci.accepted && !ci.expired()
}

// get returns the public invite projection. No authorization: the invite id
// itself is unguessable and the secrets are withheld.
func (ci *ContactInvite) get() (*InviteInfo, error) {
	if !ci.created {
		return nil, t.ErrNotFound
	}
	return &InviteInfo{
		ID:                 ci.id,
		CreatorID:          ci.creatorID,
		CreatorDisplayName: ci.creatorDisplayName,
		CreatedAt:          ci.createdAt,
		ExpiresAt:          ci.expiresAt,
		Accepted:           ci.accepted,
	}, nil
}

func (ci *ContactInvite) secretsMatch(s1, s2 string) bool {
	a := subtle.ConstantTimeCompare([]byte(ci.secret1), []byte(s1))
	b := subtle.ConstantTimeCompare([]byte(ci.secret2), []byte(s2))
	return a == 1 && b == 1
}

// isValid reports whether the invite could still be accepted with the given
// secrets.
func (ci *ContactInvite) isValid(s1, s2 string) bool {
	return ci.created && !ci.accepted && !ci.expired() && ci.secretsMatch(s1, s2)
}

// accept redeems the invite: one-shot, both secrets required, creator cannot
// accept their own invite. Links the two users mutually and announces the
// new contact the same way an accepted request does.
func (ci *ContactInvite) accept(ctx context.Context, acceptorID, s1, s2 string) error {
	if !ci.created {
		return t.ErrNotFound
	}
	if ci.accepted || ci.expired() {
		return t.ErrInvalidState
	}
	if !ci.secretsMatch(s1, s2) {
		return t.ErrUnauthorized
	}
	if acceptorID == ci.creatorID || acceptorID == "" {
		return t.ErrValidation
	}
	ci.accepted = true

	if err := ci.hub.UserRef(ci.creatorID).LinkContact(ctx, acceptorID); err != nil {
		logs.Err.Println("invite: accept: cannot link", ci.creatorID, "->", acceptorID, err)
	}
	if err := ci.hub.UserRef(acceptorID).LinkContact(ctx, ci.creatorID); err != nil {
		logs.Err.Println("invite: accept: cannot link", acceptorID, "->", ci.creatorID, err)
	}

	evt := &EvContactResponse{
		Type:       evtContactAccepted,
		RequestID:  ci.id,
		FromUserID: ci.creatorID,
		ToUserID:   acceptorID,
	}
	seen := make(map[string]bool)
	for _, userID := range []string{ci.creatorID, acceptorID} {
		topics := []string{userTopic(userID)}
		convIDs, err := ci.hub.UserRef(userID).ConversationIDs(ctx)
		if err != nil {
			logs.Warn.Println("invite: cannot list conversations of", userID, err)
		} else {
			for _, convID := range convIDs {
				topics = append(topics, conversationTopic(convID))
			}
		}
		for _, topic := range topics {
			if !seen[topic] {
				seen[topic] = true
				ci.hub.registry.Publish(topic, evt)
			}
		}
	}
	return nil
}

// InviteRef is the dispatch handle of one contact invite entity.
type InviteRef struct {
	hub *Hub
	id  string
}

func (r InviteRef) call(ctx context.Context, name string, exec func(*ContactInvite) error) error {
	return r.hub.dispatch(ctx, t.KindContactInvite, r.id, name, func(e entity) error {
		return exec(e.(*ContactInvite))
	})
}

// Create mints the invite and returns the one-time secrets to the creator.
func (r InviteRef) Create(ctx context.Context, creatorID string) (*InviteCreated, error) {
	var out *InviteCreated
	err := r.call(ctx, "createInvite", func(ci *ContactInvite) error {
		var err error
		out, err = ci.create(ctx, creatorID)
		return err
	})
	return out, err
}

// Get returns the public invite projection.
func (r InviteRef) Get(ctx context.Context) (*InviteInfo, error) {
	var info *InviteInfo
	err := r.call(ctx, "getInvite", func(ci *ContactInvite) error {
		var err error
		info, err = ci.get()
		return err
	})
	return info, err
}

// IsValid reports whether the invite is still redeemable with the secrets.
func (r InviteRef) IsValid(ctx context.Context, secret1, secret2 string) (bool, error) {
	var valid bool
	err := r.call(ctx, "isInviteValid", func(ci *ContactInvite) error {
		valid = ci.isValid(secret1, secret2)
		return nil
	})
	return valid, err
}

// Accept redeems the invite for acceptorID.
func (r InviteRef) Accept(ctx context.Context, acceptorID, secret1, secret2 string) error {
	return r.call(ctx, "acceptInvite", func(ci *ContactInvite) error {
		return ci.accept(ctx, acceptorID, secret1, secret2)
	})
}
