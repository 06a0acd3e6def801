/******************************************************************************
 *
 *  Description :
 *    Topic registry for live event fanout. Maps a topic — per-conversation
 *    or per-user — to the set of currently subscribed listeners and
 *    delivers serialized JSON events to each of them.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"

	"github.com/whisperline/whisperline/server/logs"
)

// Topic scopes.
const (
	topicScopeConversation = "conversation:"
	topicScopeUser         = "user:"
)

func conversationTopic(id string) string {
	return topicScopeConversation + id
}

func userTopic(id string) string {
	return topicScopeUser + id
}

// Listener is a live event consumer, typically a websocket session.
// QueueOut must never block; it returns false when the listener is unable
// to accept the event, which detaches it from all topics.
type Listener interface {
	QueueOut(data []byte) bool
}

// Registry is the topic -> listeners map. Transport-agnostic: tests
// subscribe in-process without a network layer.
type Registry struct {
	lock sync.RWMutex
	// topic name -> set of subscribed listeners
	topics map[string]map[Listener]struct{}
}

func newRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[Listener]struct{}),
	}
}

// Subscribe attaches the listener to a topic.
func (r *Registry) Subscribe(topic string, l Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	listeners := r.topics[topic]
	if listeners == nil {
		listeners = make(map[Listener]struct{})
		r.topics[topic] = listeners
	}
	listeners[l] = struct{}{}
}

// Unsubscribe detaches the listener from one topic.
func (r *Registry) Unsubscribe(topic string, l Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.detach(topic, l)
}

// UnsubscribeAll detaches the listener from every topic. Called when the
// transport reports the listener as disconnected.
func (r *Registry) UnsubscribeAll(l Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for topic := range r.topics {
		r.detach(topic, l)
	}
}

// detach removes the listener from a topic, pruning the empty topic bucket.
// Caller must hold the write lock.
func (r *Registry) detach(topic string, l Listener) {
	listeners := r.topics[topic]
	if listeners == nil {
		return
	}
	delete(listeners, l)
	if len(listeners) == 0 {
		delete(r.topics, topic)
	}
}

// Publish delivers the event to every listener currently subscribed to the
// topic. Fire and forget: delivery failures detach the listener and are
// logged, they never fail the publishing operation. Events published from
// one entity operation sequence arrive in order on each topic because
// Publish runs synchronously on the entity's serial loop.
func (r *Registry) Publish(topic string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		logs.Err.Println("registry: cannot serialize event for", topic, err)
		return
	}

	r.lock.RLock()
	listeners := make([]Listener, 0, len(r.topics[topic]))
	for l := range r.topics[topic] {
		listeners = append(listeners, l)
	}
	r.lock.RUnlock()

	var dead []Listener
	for _, l := range listeners {
		if !l.QueueOut(data) {
			dead = append(dead, l)
		}
	}
	statsInc("EventsPublishedTotal", 1)

	for _, l := range dead {
		logs.Warn.Println("registry: listener unresponsive, detaching from", topic)
		r.UnsubscribeAll(l)
	}
}

// SubscriberCount reports how many listeners a topic currently has.
func (r *Registry) SubscriberCount(topic string) int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.topics[topic])
}
