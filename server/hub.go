/******************************************************************************
 *
 *  Description :
 *    Main hub for managing entity instances: the entity directory.
 *    Resolves (kind, id) to the single live instance, activating it on
 *    first access and evicting it after idling. All operations for a given
 *    id are routed through that instance's serial mailbox.
 *
 *****************************************************************************/

package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisperline/whisperline/server/concurrency"
	t "github.com/whisperline/whisperline/server/store/types"
)

// Hub is the entity directory.
type Hub struct {
	lock sync.Mutex
	// Live entity instances indexed by "kind:id".
	entities map[string]*runner
	// True once shutdown started; no further activations.
	stopped bool

	// Evict instances idle for this long.
	idleTimeout time.Duration

	// Event fanout registry.
	registry *Registry

	// Workers for best-effort side jobs (push fanout).
	pool *concurrency.GoRoutinePool

	wg sync.WaitGroup
}

func newHub(registry *Registry, idleTimeout time.Duration) *Hub {
	statsRegisterInt("LiveEntities")
	statsRegisterInt("TotalActivations")
	statsRegisterInt("EventsPublishedTotal")
	statsRegisterInt("PushesRequestedTotal")
	statsRegisterInt("PushesDroppedTotal")

	return &Hub{
		entities:    make(map[string]*runner),
		idleTimeout: idleTimeout,
		registry:    registry,
		pool:        concurrency.NewGoRoutinePool(4),
	}
}

// spawn constructs an inactive entity instance of the given kind.
func (h *Hub) spawn(kind t.EntityKind, id string) entity {
	switch kind {
	case t.KindConversation:
		return &Conversation{id: id, hub: h}
	case t.KindUser:
		return &User{id: id, hub: h}
	case t.KindContactRequest:
		return &ContactRequest{id: id, hub: h}
	case t.KindContactInvite:
		return &ContactInvite{id: id, hub: h}
	case t.KindAttachment:
		return &Attachment{id: id, hub: h}
	case t.KindPushSubs:
		return &PushSubs{userID: id, hub: h}
	}
	panic("hub: unknown entity kind " + string(kind))
}

// dispatch routes one operation to the live instance of (kind, id),
// activating it if needed, and waits for the result. Queued operations are
// served strictly one at a time; eviction and reactivation between calls
// are invisible to the caller.
func (h *Hub) dispatch(ctx context.Context, kind t.EntityKind, id, name string, exec func(entity) error) error {
	if id == "" {
		return t.ErrMalformed
	}
	key := string(kind) + ":" + id
	c := &call{name: name, done: make(chan error, 1)}

	for {
		h.lock.Lock()
		if h.stopped {
			h.lock.Unlock()
			return t.ErrInvalidState
		}

		r := h.entities[key]
		if r == nil {
			r = &runner{
				kind:  kind,
				id:    id,
				ent:   h.spawn(kind, id),
				calls: make(chan *call, entityMailboxSize),
				quit:  make(chan struct{}),
			}
			h.entities[key] = r
			h.wg.Add(1)
			go r.run(h)
			statsInc("LiveEntities", 1)
			statsInc("TotalActivations", 1)
		}
		if r.retired {
			// Lost a race against eviction; resolve again.
			h.lock.Unlock()
			continue
		}

		ent := r.ent
		c.exec = func() error { return exec(ent) }
		select {
		case r.calls <- c:
			h.lock.Unlock()
		default:
			h.lock.Unlock()
			return t.ErrOverloaded
		}
		break
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		// The operation still runs to completion; only the wait is
		// abandoned.
		return ctx.Err()
	}
}

// retire ends an idle instance. Fails when a caller enqueued a new call
// after the idle timer fired.
func (h *Hub) retire(r *runner) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if r.retired {
		// Already removed from the directory (deactivate); the runner may
		// exit once its mailbox is empty.
		return len(r.calls) == 0
	}
	if len(r.calls) > 0 {
		return false
	}
	r.retired = true
	delete(h.entities, r.key())
	statsInc("LiveEntities", -1)
	return true
}

// retireNow unconditionally removes the instance from the directory.
// Queued calls are still served by the runner before it exits.
func (h *Hub) retireNow(r *runner) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !r.retired {
		r.retired = true
		delete(h.entities, r.key())
		statsInc("LiveEntities", -1)
	}
}

// retiredAndDrained reports whether the runner was retired and owes no
// more answers.
func (h *Hub) retiredAndDrained(r *runner) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return r.retired && len(r.calls) == 0
}

// deactivate marks the live instance of (kind, id) for removal after its
// queued operations finish. Used by entities which deleted their own
// durable state.
func (h *Hub) deactivate(kind t.EntityKind, id string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	key := string(kind) + ":" + id
	if r := h.entities[key]; r != nil && !r.retired {
		r.retired = true
		delete(h.entities, key)
		statsInc("LiveEntities", -1)
	}
}

// liveCount reports the number of currently activated instances.
func (h *Hub) liveCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.entities)
}

// shutdown stops accepting operations, lets every live instance finish its
// queued work and waits for all of them to unload.
func (h *Hub) shutdown() {
	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		return
	}
	h.stopped = true
	runners := make([]*runner, 0, len(h.entities))
	for _, r := range h.entities {
		runners = append(runners, r)
	}
	h.lock.Unlock()

	for _, r := range runners {
		close(r.quit)
	}
	h.wg.Wait()
	h.pool.Stop()
}

// Typed entity references. These are the engine's RPC surface: the API
// layer resolves a reference and invokes operations on it; entities use
// them for cross-entity calls. References are cheap and stateless.

// ConversationRef returns a reference to a conversation entity.
func (h *Hub) ConversationRef(id string) ConvRef {
	return ConvRef{hub: h, id: id}
}

// UserRef returns a reference to a user entity.
func (h *Hub) UserRef(id string) UsrRef {
	return UsrRef{hub: h, id: id}
}

// ContactRequestRef returns a reference to a contact request entity.
func (h *Hub) ContactRequestRef(id string) ReqRef {
	return ReqRef{hub: h, id: id}
}

// ContactInviteRef returns a reference to a contact invite entity.
func (h *Hub) ContactInviteRef(id string) InviteRef {
	return InviteRef{hub: h, id: id}
}

// NewContactInviteRef mints an unguessable invite id and returns a reference
// to the not-yet-created invite.
func (h *Hub) NewContactInviteRef() InviteRef {
	return InviteRef{hub: h, id: uuid.NewString()}
}

// AttachmentRef returns a reference to an attachment entity.
func (h *Hub) AttachmentRef(id string) AttRef {
	return AttRef{hub: h, id: id}
}

// PushSubsRef returns a reference to a user's push subscription entity.
func (h *Hub) PushSubsRef(userID string) PushRef {
	return PushRef{hub: h, userID: userID}
}
