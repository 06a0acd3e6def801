/******************************************************************************
 *
 *  Description :
 *    User entity: identity keys, conversation membership, contacts and
 *    pending contact-request bookkeeping. Membership setters are invoked
 *    by other entities (conversation, contact request, invite) which have
 *    already authorized the change one level up.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"

	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

// User is an activated user entity instance.
type User struct {
	id  string
	hub *Hub
	us  *t.UserState
}

// load brings durable user state into memory.
func (u *User) load() error {
	blob, err := store.Entities.Get(t.KindUser, u.id)
	if err != nil {
		return err
	}
	if blob == nil {
		u.us = t.NewUserState(u.id)
		return nil
	}
	us := t.NewUserState(u.id)
	if err := json.Unmarshal(blob, us); err != nil {
		return err
	}
	u.us = us
	return nil
}

func (u *User) unload() {}

func (u *User) persist() error {
	blob, err := json.Marshal(u.us)
	if err != nil {
		return err
	}
	return store.Entities.Put(t.KindUser, u.id, blob)
}

func (u *User) requireSelf(callerID string) error {
	if callerID != u.id {
		return t.ErrUnauthorized
	}
	return nil
}

func (u *User) profile(isNew bool) *UserProfile {
	return &UserProfile{
		ID:           u.id,
		Email:        u.us.Email,
		DisplayName:  u.us.DisplayName,
		IsNewUser:    isNew,
		CreatedAt:    u.us.CreatedAt,
		LastActiveAt: u.us.LastActiveAt,
	}
}

// register creates the user record. Explicit registration of an existing
// user fails; use ensureRegistered for the lazy path.
func (u *User) register(callerID, email, displayName string) (*UserProfile, error) {
	if err := u.requireSelf(callerID); err != nil {
		return nil, err
	}
	if u.us.IsRegistered {
		return nil, t.ErrInvalidState
	}
	if email == "" {
		return nil, t.ErrValidation
	}

	now := t.TimeNow()
	u.us.IsRegistered = true
	u.us.Email = email
	u.us.DisplayName = displayName
	u.us.CreatedAt = now
	u.us.LastActiveAt = now

	if err := u.persist(); err != nil {
		u.us.IsRegistered = false
		return nil, err
	}
	return u.profile(true), nil
}

// ensureRegistered registers the user from token claims on first contact,
// afterwards it only refreshes the last-active timestamp. Idempotent.
func (u *User) ensureRegistered(callerID, email, displayName string) (*UserProfile, error) {
	if err := u.requireSelf(callerID); err != nil {
		return nil, err
	}
	if !u.us.IsRegistered {
		return u.register(callerID, email, displayName)
	}

	u.us.LastActiveAt = t.TimeNow()
	if err := u.persist(); err != nil {
		return nil, err
	}
	return u.profile(false), nil
}

// getProfile returns the caller's own profile.
func (u *User) getProfile(callerID string) (*UserProfile, error) {
	if err := u.requireSelf(callerID); err != nil {
		return nil, err
	}
	if !u.us.IsRegistered {
		return nil, t.ErrInvalidState
	}
	return u.profile(false), nil
}

// updatePublicKey replaces the user's public identity key material.
func (u *User) updatePublicKey(callerID string, key []byte) error {
	if err := u.requireSelf(callerID); err != nil {
		return err
	}
	if !u.us.IsRegistered {
		return t.ErrInvalidState
	}
	if len(key) == 0 {
		return t.ErrValidation
	}

	prev := u.us.PublicIdentityKey
	u.us.PublicIdentityKey = key
	if err := u.persist(); err != nil {
		u.us.PublicIdentityKey = prev
		return err
	}
	return nil
}

// getPublicIdentityKey is readable by anyone: peers need it to start an
// encrypted exchange.
func (u *User) getPublicIdentityKey() ([]byte, error) {
	if !u.us.IsRegistered || len(u.us.PublicIdentityKey) == 0 {
		return nil, t.ErrNotFound
	}
	return u.us.PublicIdentityKey, nil
}

// getContactInfo is the publicly readable contact card, rendered when a
// client encounters an unknown participant.
func (u *User) getContactInfo() (*ContactCard, error) {
	if !u.us.IsRegistered {
		return nil, t.ErrNotFound
	}
	return &ContactCard{
		ID:          u.id,
		Email:       u.us.Email,
		DisplayName: u.us.DisplayName,
	}, nil
}

// addConversation records conversation membership. Entity-to-entity
// operation: the calling conversation already authorized the change.
func (u *User) addConversation(convID string) error {
	if !u.us.Conversations.Add(convID) {
		return nil
	}
	if err := u.persist(); err != nil {
		u.us.Conversations.Remove(convID)
		return err
	}
	return nil
}

// removeConversation drops conversation membership. Entity-to-entity.
func (u *User) removeConversation(convID string) error {
	if !u.us.Conversations.Remove(convID) {
		return nil
	}
	if err := u.persist(); err != nil {
		u.us.Conversations.Add(convID)
		return err
	}
	return nil
}

func (u *User) conversationIDs() []string {
	return u.us.Conversations.Members()
}

// addContact links another user. Self-add is forbidden.
func (u *User) addContact(contactID string) error {
	if contactID == "" {
		return t.ErrMalformed
	}
	if contactID == u.id {
		return t.ErrValidation
	}
	if !u.us.Contacts.Add(contactID) {
		return nil
	}
	if err := u.persist(); err != nil {
		u.us.Contacts.Remove(contactID)
		return err
	}
	return nil
}

// removeContact unlinks another user.
func (u *User) removeContact(contactID string) error {
	if !u.us.Contacts.Remove(contactID) {
		return nil
	}
	if err := u.persist(); err != nil {
		u.us.Contacts.Add(contactID)
		return err
	}
	return nil
}

// addPendingRequest files an incoming contact request id. Entity-to-entity.
func (u *User) addPendingRequest(requestID string) error {
	if !u.us.PendingContactRequests.Add(requestID) {
		return nil
	}
	if err := u.persist(); err != nil {
		u.us.PendingContactRequests.Remove(requestID)
		return err
	}
	return nil
}

// removePendingRequest clears a responded contact request id. Entity-to-entity.
func (u *User) removePendingRequest(requestID string) error {
	if !u.us.PendingContactRequests.Remove(requestID) {
		return nil
	}
	if err := u.persist(); err != nil {
		u.us.PendingContactRequests.Add(requestID)
		return err
	}
	return nil
}

// UsrRef is the dispatch handle of one user entity.
type UsrRef struct {
	hub *Hub
	id  string
}

func (r UsrRef) call(ctx context.Context, name string, exec func(*User) error) error {
	return r.hub.dispatch(ctx, t.KindUser, r.id, name, func(e entity) error {
		return exec(e.(*User))
	})
}

// Register creates the user record explicitly.
func (r UsrRef) Register(ctx context.Context, callerID, email, displayName string) (*UserProfile, error) {
	var profile *UserProfile
	err := r.call(ctx, "register", func(u *User) error {
		var err error
		profile, err = u.register(callerID, email, displayName)
		return err
	})
	return profile, err
}

// EnsureRegistered registers lazily or refreshes last-active.
func (r UsrRef) EnsureRegistered(ctx context.Context, callerID, email, displayName string) (*UserProfile, error) {
	var profile *UserProfile
	err := r.call(ctx, "ensureRegistered", func(u *User) error {
		var err error
		profile, err = u.ensureRegistered(callerID, email, displayName)
		return err
	})
	return profile, err
}

// GetProfile returns the caller's own profile.
func (r UsrRef) GetProfile(ctx context.Context, callerID string) (*UserProfile, error) {
	var profile *UserProfile
	err := r.call(ctx, "getProfile", func(u *User) error {
		var err error
		profile, err = u.getProfile(callerID)
		return err
	})
	return profile, err
}

// UpdatePublicKey replaces the public identity key.
func (r UsrRef) UpdatePublicKey(ctx context.Context, callerID string, key []byte) error {
	return r.call(ctx, "updatePublicKey", func(u *User) error {
		return u.updatePublicKey(callerID, key)
	})
}

// GetPublicIdentityKey is readable by anyone.
func (r UsrRef) GetPublicIdentityKey(ctx context.Context) ([]byte, error) {
	var key []byte
	err := r.call(ctx, "getPublicIdentityKey", func(u *User) error {
		var err error
		key, err = u.getPublicIdentityKey()
		return err
	})
	return key, err
}

// GetConversationIds lists the caller's own conversation memberships.
func (r UsrRef) GetConversationIds(ctx context.Context, callerID string) ([]string, error) {
	var ids []string
	err := r.call(ctx, "getConversationIds", func(u *User) error {
		if err := u.requireSelf(callerID); err != nil {
			return err
		}
		ids = u.conversationIDs()
		return nil
	})
	return ids, err
}

// ConversationIDs lists memberships for another entity. Entity-to-entity.
func (r UsrRef) ConversationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.call(ctx, "conversationIds", func(u *User) error {
		ids = u.conversationIDs()
		return nil
	})
	return ids, err
}

// AddConversation records membership. Entity-to-entity.
func (r UsrRef) AddConversation(ctx context.Context, convID string) error {
	return r.call(ctx, "addConversation", func(u *User) error {
		return u.addConversation(convID)
	})
}

// RemoveConversation drops membership. Entity-to-entity.
func (r UsrRef) RemoveConversation(ctx context.Context, convID string) error {
	return r.call(ctx, "removeConversation", func(u *User) error {
		return u.removeConversation(convID)
	})
}

// AddContact links a contact for the calling user.
func (r UsrRef) AddContact(ctx context.Context, callerID, contactID string) error {
	return r.call(ctx, "addContact", func(u *User) error {
		if err := u.requireSelf(callerID); err != nil {
			return err
		}
		return u.addContact(contactID)
	})
}

// RemoveContact unlinks a contact for the calling user.
func (r UsrRef) RemoveContact(ctx context.Context, callerID, contactID string) error {
	return r.call(ctx, "removeContact", func(u *User) error {
		if err := u.requireSelf(callerID); err != nil {
			return err
		}
		return u.removeContact(contactID)
	})
}

// LinkContact adds a contact without the self-only check. Entity-to-entity,
// used by contact request/invite acceptance for the mutual add.
func (r UsrRef) LinkContact(ctx context.Context, contactID string) error {
	return r.call(ctx, "linkContact", func(u *User) error {
		return u.addContact(contactID)
	})
}

// GetContactIds lists the caller's own contacts.
func (r UsrRef) GetContactIds(ctx context.Context, callerID string) ([]string, error) {
	var ids []string
	err := r.call(ctx, "getContactIds", func(u *User) error {
		if err := u.requireSelf(callerID); err != nil {
			return err
		}
		ids = u.us.Contacts.Members()
		return nil
	})
	return ids, err
}

// GetContactInfo is the publicly readable contact card.
func (r UsrRef) GetContactInfo(ctx context.Context) (*ContactCard, error) {
	var card *ContactCard
	err := r.call(ctx, "getContactInfo", func(u *User) error {
		var err error
		card, err = u.getContactInfo()
		return err
	})
	return card, err
}

// GetPendingContactRequests lists the caller's own pending request ids.
func (r UsrRef) GetPendingContactRequests(ctx context.Context, callerID string) ([]string, error) {
	var ids []string
	err := r.call(ctx, "getPendingContactRequests", func(u *User) error {
		if err := u.requireSelf(callerID); err != nil {
			return err
		}
		ids = u.us.PendingContactRequests.Members()
		return nil
	})
	return ids, err
}

// AddPendingRequest files an incoming request id. Entity-to-entity.
func (r UsrRef) AddPendingRequest(ctx context.Context, requestID string) error {
	return r.call(ctx, "addPendingRequest", func(u *User) error {
		return u.addPendingRequest(requestID)
	})
}

// RemovePendingRequest clears a responded request id. Entity-to-entity.
func (r UsrRef) RemovePendingRequest(ctx context.Context, requestID string) error {
	return r.call(ctx, "removePendingRequest", func(u *User) error {
		return u.removePendingRequest(requestID)
	})
}
