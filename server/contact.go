/******************************************************************************
 *
 *  Description :
 *    Contact request entity: a three-state machine (pending, accepted,
 *    declined; terminal once responded). Acceptance performs the mutual
 *    contact-add on both user entities. Because there is no persistent
 *    request-inbox channel, responses are announced on every conversation
 *    topic of both affected users.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"

	"github.com/whisperline/whisperline/server/logs"
	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

// ContactRequest is an activated contact request entity instance.
type ContactRequest struct {
	id  string
	hub *Hub
	// nil until the request is created.
	crs *t.ContactRequestState
}

// load brings durable request state into memory.
func (cr *ContactRequest) load() error {
	blob, err := store.Entities.Get(t.KindContactRequest, cr.id)
	if err != nil {
		return err
	}
	if blob == nil {
		return nil
	}
	var crs t.ContactRequestState
	if err := json.Unmarshal(blob, &crs); err != nil {
		return err
	}
	cr.crs = &crs
	return nil
}

func (cr *ContactRequest) unload() {}

func (cr *ContactRequest) persist() error {
	blob, err := json.Marshal(cr.crs)
	if err != nil {
		return err
	}
	return store.Entities.Put(t.KindContactRequest, cr.id, blob)
}

// userTopics returns the user topic plus every conversation topic of one
// user, for response fanout.
func (cr *ContactRequest) userTopics(ctx context.Context, userID string) []string {
	topics := []string{userTopic(userID)}
	convIDs, err := cr.hub.UserRef(userID).ConversationIDs(ctx)
	if err != nil {
		logs.Warn.Println("creq: cannot list conversations of", userID, err)
		return topics
	}
	for _, convID := range convIDs {
		topics = append(topics, conversationTopic(convID))
	}
	return topics
}

// create files a new pending request, snapshotting the sender's profile so
// later renames do not rewrite request history.
func (cr *ContactRequest) create(ctx context.Context, callerID, fromUserID, toUserID string) error {
	if cr.crs != nil {
		return t.ErrInvalidState
	}
	if callerID != fromUserID {
		return t.ErrUnauthorized
	}
	if fromUserID == toUserID || toUserID == "" {
		return t.ErrValidation
	}

	card, err := cr.hub.UserRef(fromUserID).GetContactInfo(ctx)
	if err != nil {
		return err
	}

	crs := &t.ContactRequestState{
		ID:              cr.id,
		FromUserID:      fromUserID,
		ToUserID:        toUserID,
		FromDisplayName: card.DisplayName,
		FromEmail:       card.Email,
		Status:          t.RequestPending,
		CreatedAt:       t.TimeNow(),
	}
	cr.crs = crs
	if err := cr.persist(); err != nil {
		cr.crs = nil
		return err
	}

	if err := cr.hub.UserRef(toUserID).AddPendingRequest(ctx, cr.id); err != nil {
		logs.Err.Println("creq: cannot file with recipient", toUserID, err)
	}

	evt := &EvContactRequest{
		Type:            evtContactRequest,
		RequestID:       cr.id,
		FromUserID:      fromUserID,
		ToUserID:        toUserID,
		FromDisplayName: crs.FromDisplayName,
		FromEmail:       crs.FromEmail,
		CreatedAt:       crs.CreatedAt,
	}
	for _, topic := range cr.userTopics(ctx, toUserID) {
		cr.hub.registry.Publish(topic, evt)
	}
	return nil
}

// get returns the request projection to either party.
func (cr *ContactRequest) get(callerID string) (*RequestInfo, error) {
	if cr.crs == nil {
		return nil, t.ErrNotFound
	}
	if callerID != cr.crs.FromUserID && callerID != cr.crs.ToUserID {
		return nil, t.ErrUnauthorized
	}
	return &RequestInfo{
		ID:              cr.crs.ID,
		FromUserID:      cr.crs.FromUserID,
		ToUserID:        cr.crs.ToUserID,
		FromDisplayName: cr.crs.FromDisplayName,
		FromEmail:       cr.crs.FromEmail,
		Status:          cr.crs.Status,
		CreatedAt:       cr.crs.CreatedAt,
		RespondedAt:     cr.crs.RespondedAt,
	}, nil
}

// respond transitions the request out of pending. Recipient only; terminal.
func (cr *ContactRequest) respond(callerID string, status t.RequestStatus) error {
	if cr.crs == nil {
		return t.ErrNotFound
	}
	if callerID != cr.crs.ToUserID {
		return t.ErrUnauthorized
	}
	if cr.crs.Status != t.RequestPending {
		return t.ErrInvalidState
	}

	now := t.TimeNow()
	cr.crs.Status = status
	cr.crs.RespondedAt = &now
	if err := cr.persist(); err != nil {
		cr.crs.Status = t.RequestPending
		cr.crs.RespondedAt = nil
		return err
	}
	return nil
}

// accept performs the mutual contact-add and announces the acceptance.
func (cr *ContactRequest) accept(ctx context.Context, callerID string) error {
	if err := cr.respond(callerID, t.RequestAccepted); err != nil {
		return err
	}

	from, to := cr.crs.FromUserID, cr.crs.ToUserID
	if err := cr.hub.UserRef(from).LinkContact(ctx, to); err != nil {
		logs.Err.Println("creq: accept: cannot link", from, "->", to, err)
	}
	if err := cr.hub.UserRef(to).LinkContact(ctx, from); err != nil {
		logs.Err.Println("creq: accept: cannot link", to, "->", from, err)
	}
	if err := cr.hub.UserRef(to).RemovePendingRequest(ctx, cr.id); err != nil {
		logs.Warn.Println("creq: accept: cannot clear pending entry", to, err)
	}

	cr.announce(ctx, evtContactAccepted)
	return nil
}

// decline rejects the request. No contacts change.
func (cr *ContactRequest) decline(ctx context.Context, callerID string) error {
	if err := cr.respond(callerID, t.RequestDeclined); err != nil {
		return err
	}

	if err := cr.hub.UserRef(cr.crs.ToUserID).RemovePendingRequest(ctx, cr.id); err != nil {
		logs.Warn.Println("creq: decline: cannot clear pending entry", cr.crs.ToUserID, err)
	}

	cr.announce(ctx, evtContactDeclined)
	return nil
}

// announce publishes the response to both users' topics and to every
// conversation topic either of them belongs to.
func (cr *ContactRequest) announce(ctx context.Context, evtType string) {
	evt := &EvContactResponse{
		Type:       evtType,
		RequestID:  cr.id,
		FromUserID: cr.crs.FromUserID,
		ToUserID:   cr.crs.ToUserID,
	}
	seen := make(map[string]bool)
	for _, userID := range []string{cr.crs.FromUserID, cr.crs.ToUserID} {
		for _, topic := range cr.userTopics(ctx, userID) {
			if !seen[topic] {
				seen[topic] = true
				cr.hub.registry.Publish(topic, evt)
			}
		}
	}
}

// ReqRef is the dispatch handle of one contact request entity.
type ReqRef struct {
	hub *Hub
	id  string
}

func (r ReqRef) call(ctx context.Context, name string, exec func(*ContactRequest) error) error {
	return r.hub.dispatch(ctx, t.KindContactRequest, r.id, name, func(e entity) error {
		return exec(e.(*ContactRequest))
	})
}

// CreateRequest files a new pending contact request.
func (r ReqRef) CreateRequest(ctx context.Context, callerID, fromUserID, toUserID string) error {
	return r.call(ctx, "createRequest", func(cr *ContactRequest) error {
		return cr.create(ctx, callerID, fromUserID, toUserID)
	})
}

// GetRequest returns the request projection to either party.
func (r ReqRef) GetRequest(ctx context.Context, callerID string) (*RequestInfo, error) {
	var info *RequestInfo
	err := r.call(ctx, "getRequest", func(cr *ContactRequest) error {
		var err error
		info, err = cr.get(callerID)
		return err
	})
	return info, err
}

// AcceptRequest accepts a pending request; recipient only.
func (r ReqRef) AcceptRequest(ctx context.Context, callerID string) error {
	return r.call(ctx, "acceptRequest", func(cr *ContactRequest) error {
		return cr.accept(ctx, callerID)
	})
}

// DeclineRequest declines a pending request; recipient only.
func (r ReqRef) DeclineRequest(ctx context.Context, callerID string) error {
	return r.call(ctx, "declineRequest", func(cr *ContactRequest) error {
		return cr.decline(ctx, callerID)
	})
}
