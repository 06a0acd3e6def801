/******************************************************************************
 *
 *  Description :
 *    Push subscription entity: the per-user list of registered web-push
 *    endpoints. The endpoint URL is the identity of a subscription, so
 *    re-registering an endpoint replaces the earlier record instead of
 *    accumulating duplicates. Gone endpoints reported by the push service
 *    are pruned through unregisterEndpoint.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"

	"github.com/whisperline/whisperline/server/push"
	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

// PushSubs is an activated push-subscription entity instance. The entity id
// is the owning user's id.
type PushSubs struct {
	userID string
	hub    *Hub
	ps     *t.PushSubsState
}

func (p *PushSubs) load() error {
	blob, err := store.Entities.Get(t.KindPushSubs, p.userID)
	if err != nil {
		return err
	}
	if blob == nil {
		p.ps = &t.PushSubsState{UserID: p.userID}
		return nil
	}
	var ps t.PushSubsState
	if err := json.Unmarshal(blob, &ps); err != nil {
		return err
	}
	p.ps = &ps
	return nil
}

func (p *PushSubs) unload() {}

func (p *PushSubs) persist() error {
	blob, err := json.Marshal(p.ps)
	if err != nil {
		return err
	}
	return store.Entities.Put(t.KindPushSubs, p.userID, blob)
}

// register adds a subscription or replaces the record with the same endpoint.
func (p *PushSubs) register(callerID string, sub t.PushSubscription) error {
	if callerID != p.userID {
		return t.ErrUnauthorized
	}
	if sub.Endpoint == "" || sub.P256dhKey == "" || sub.AuthKey == "" {
		return t.ErrValidation
	}
	sub.CreatedAt = t.TimeNow()

	prev := p.ps.Subscriptions
	next := make([]t.PushSubscription, 0, len(prev)+1)
	for _, s := range prev {
		if s.Endpoint != sub.Endpoint {
			next = append(next, s)
		}
	}
	next = append(next, sub)
	p.ps.Subscriptions = next
	if err := p.persist(); err != nil {
		p.ps.Subscriptions = prev
		return err
	}
	return nil
}

// unregister removes the subscription with the given endpoint. Unknown
// endpoints are a nop.
func (p *PushSubs) unregister(callerID, endpoint string) error {
	if callerID != p.userID {
		return t.ErrUnauthorized
	}
	return p.dropEndpoint(endpoint)
}

func (p *PushSubs) dropEndpoint(endpoint string) error {
	prev := p.ps.Subscriptions
	next := make([]t.PushSubscription, 0, len(prev))
	for _, s := range prev {
		if s.Endpoint != endpoint {
			next = append(next, s)
		}
	}
	if len(next) == len(prev) {
		return nil
	}
	p.ps.Subscriptions = next
	if err := p.persist(); err != nil {
		p.ps.Subscriptions = prev
		return err
	}
	return nil
}

// list returns the registered subscriptions, owner only.
func (p *PushSubs) list(callerID string) ([]t.PushSubscription, error) {
	if callerID != p.userID {
		return nil, t.ErrUnauthorized
	}
	out := make([]t.PushSubscription, len(p.ps.Subscriptions))
	copy(out, p.ps.Subscriptions)
	return out, nil
}

// send hands the payload to the push transports. A nop when the user has no
// registered endpoints.
func (p *PushSubs) send(payload push.Payload) {
	if len(p.ps.Subscriptions) == 0 {
		return
	}
	subs := make([]t.PushSubscription, len(p.ps.Subscriptions))
	copy(subs, p.ps.Subscriptions)
	push.Push(&push.Receipt{
		To:      []push.Recipient{{UserID: p.userID, Subscriptions: subs}},
		Payload: payload,
	})
}

// PushRef is the dispatch handle of one user's push subscriptions.
type PushRef struct {
	hub    *Hub
	userID string
}

func (r PushRef) call(ctx context.Context, name string, exec func(*PushSubs) error) error {
	return r.hub.dispatch(ctx, t.KindPushSubs, r.userID, name, func(e entity) error {
		return exec(e.(*PushSubs))
	})
}

// Register adds or replaces a push subscription; owner only.
func (r PushRef) Register(ctx context.Context, callerID string, sub t.PushSubscription) error {
	return r.call(ctx, "registerPushSubscription", func(p *PushSubs) error {
		return p.register(callerID, sub)
	})
}

// Unregister removes the subscription with the given endpoint; owner only.
func (r PushRef) Unregister(ctx context.Context, callerID, endpoint string) error {
	return r.call(ctx, "unregisterPushSubscription", func(p *PushSubs) error {
		return p.unregister(callerID, endpoint)
	})
}

// List returns the registered subscriptions; owner only.
func (r PushRef) List(ctx context.Context, callerID string) ([]t.PushSubscription, error) {
	var subs []t.PushSubscription
	err := r.call(ctx, "listPushSubscriptions", func(p *PushSubs) error {
		var err error
		subs, err = p.list(callerID)
		return err
	})
	return subs, err
}

// SendNotification pushes a payload to all of the user's endpoints.
func (r PushRef) SendNotification(ctx context.Context, payload push.Payload) error {
	return r.call(ctx, "sendNotification", func(p *PushSubs) error {
		p.send(payload)
		return nil
	})
}

// DropEndpoint removes a subscription reported gone by the push service.
func (r PushRef) DropEndpoint(ctx context.Context, endpoint string) error {
	return r.call(ctx, "dropPushEndpoint", func(p *PushSubs) error {
		return p.dropEndpoint(endpoint)
	})
}
