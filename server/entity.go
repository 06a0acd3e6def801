/******************************************************************************
 *
 *  Description :
 *    Serial execution loop shared by all entity instances. Every activated
 *    entity owns one runner: a goroutine draining a mailbox of operations
 *    one at a time. This is the sole concurrency-control mechanism of the
 *    engine — no entity state is ever touched outside its runner.
 *
 *****************************************************************************/

package main

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/whisperline/whisperline/server/logs"
	t "github.com/whisperline/whisperline/server/store/types"
)

// Mailbox depth per entity instance. Callers beyond it get ErrOverloaded.
const entityMailboxSize = 64

// entity is implemented by each concrete entity type (conversation, user,
// contact request, contact invite, attachment, push subscriptions).
type entity interface {
	// load brings durable state into memory. Called exactly once, before
	// the first operation is served.
	load() error
	// unload is called after the last operation, when the instance is
	// evicted. State is already durable at this point: every mutating
	// operation persists synchronously before reporting success.
	unload()
}

// pinned is optionally implemented by entities whose in-memory state must
// not be dropped while it is still live. The idle timer skips such
// instances until keepAlive reports false.
type pinned interface {
	keepAlive() bool
}

// call is one operation dispatched into an entity's mailbox.
type call struct {
	// Operation name for logging.
	name string
	// The operation body. Runs on the entity's serial loop.
	exec func() error
	// Buffered; receives the operation result exactly once.
	done chan error
}

// runner drives one activated entity instance.
type runner struct {
	kind t.EntityKind
	id   string
	ent  entity

	calls chan *call
	// Closed by the hub on shutdown.
	quit chan struct{}

	// Guarded by the hub lock. Once retired the runner accepts no new
	// calls; already queued calls are still served.
	retired bool
}

func (r *runner) key() string {
	return string(r.kind) + ":" + r.id
}

// run is the entity's serial loop. It loads durable state first, then
// serves mailbox calls one at a time until the idle timer retires the
// instance or the hub shuts down.
func (r *runner) run(h *Hub) {
	defer h.wg.Done()

	killTimer := time.NewTimer(h.idleTimeout)
	defer killTimer.Stop()

	if err := r.ent.load(); err != nil {
		logs.Err.Println("entity: activation failed", r.key(), err)
		h.retireNow(r)
		r.drain(err)
		return
	}

	for {
		select {
		case c := <-r.calls:
			c.done <- r.invoke(c)
			if h.retiredAndDrained(r) {
				r.ent.unload()
				return
			}
			if !killTimer.Stop() {
				select {
				case <-killTimer.C:
				default:
				}
			}
			killTimer.Reset(h.idleTimeout)

		case <-killTimer.C:
			if p, ok := r.ent.(pinned); ok && p.keepAlive() {
				killTimer.Reset(h.idleTimeout)
				continue
			}
			// Idle eviction. The retire attempt fails if a caller
			// raced a new op into the mailbox.
			if h.retire(r) {
				r.ent.unload()
				return
			}
			killTimer.Reset(h.idleTimeout)

		case <-r.quit:
			// System shutdown: serve what is already queued, then stop.
			h.retireNow(r)
			for {
				select {
				case c := <-r.calls:
					c.done <- r.invoke(c)
				default:
					r.ent.unload()
					return
				}
			}
		}
	}
}

// invoke runs one operation, isolating the loop from panics in entity code.
func (r *runner) invoke(c *call) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logs.Err.Println("entity: panic in", r.key(), c.name, p, string(debug.Stack()))
			err = fmt.Errorf("%w: %s.%s panicked", t.ErrInternal, r.kind, c.name)
		}
	}()
	return c.exec()
}

// drain answers every queued call with err. Only valid after the runner is
// retired: no new calls can be enqueued.
func (r *runner) drain(err error) {
	for {
		select {
		case c := <-r.calls:
			c.done <- err
		default:
			return
		}
	}
}
