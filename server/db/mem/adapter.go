// Package mem is a non-durable in-memory database adapter. It backs unit
// tests and throwaway single-node setups; its write counters let tests
// assert exactly how many durable writes an operation produced.
package mem

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

// adapterName is the name of this adapter in the registry.
const adapterName = "mem"

type adapter struct {
	lock sync.Mutex
	open bool

	entities  map[string][]byte
	schedules map[string]t.ScheduleEntry
	// conversation id -> message id -> body
	messages map[string]map[string]t.StoredMessage

	entityWrites map[string]int
}

var singleton = &adapter{}

func key(kind t.EntityKind, id string) string {
	return string(kind) + ":" + id
}

// Open initializes the in-memory tables.
func (a *adapter) Open(jsonconf json.RawMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.reset()
	a.open = true
	return nil
}

// Close discards all data.
func (a *adapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.open = false
	return nil
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.open
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

func (a *adapter) reset() {
	a.entities = make(map[string][]byte)
	a.schedules = make(map[string]t.ScheduleEntry)
	a.messages = make(map[string]map[string]t.StoredMessage)
	a.entityWrites = make(map[string]int)
}

// EntityGet fetches the state blob of (kind, id).
func (a *adapter) EntityGet(kind t.EntityKind, id string) ([]byte, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	blob, ok := a.entities[key(kind, id)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

// EntityPut saves the state blob of (kind, id).
func (a *adapter) EntityPut(kind t.EntityKind, id string, blob []byte) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	k := key(kind, id)
	a.entities[k] = append([]byte(nil), blob...)
	a.entityWrites[k]++
	return nil
}

// EntityDelete erases the state blob of (kind, id).
func (a *adapter) EntityDelete(kind t.EntityKind, id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.entities, key(kind, id))
	return nil
}

// ScheduleUpsert creates or replaces the durable trigger of (kind, id).
func (a *adapter) ScheduleUpsert(entry *t.ScheduleEntry) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.schedules[key(entry.Kind, entry.ID)] = *entry
	return nil
}

// ScheduleDelete removes the durable trigger of (kind, id).
func (a *adapter) ScheduleDelete(kind t.EntityKind, id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.schedules, key(kind, id))
	return nil
}

// ScheduleDue returns all triggers with NextFire at or before now.
func (a *adapter) ScheduleDue(now time.Time) ([]t.ScheduleEntry, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var due []t.ScheduleEntry
	for _, entry := range a.schedules {
		if !entry.NextFire.After(now) {
			due = append(due, entry)
		}
	}
	return due, nil
}

// MessageSave persists one message body.
func (a *adapter) MessageSave(msg *t.StoredMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	conv := a.messages[msg.ConversationID]
	if conv == nil {
		conv = make(map[string]t.StoredMessage)
		a.messages[msg.ConversationID] = conv
	}
	conv[msg.ID] = *msg
	return nil
}

// MessagesGet fetches message bodies by id, skipping unknown ids.
func (a *adapter) MessagesGet(convID string, ids []string) ([]t.StoredMessage, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	conv := a.messages[convID]
	if conv == nil {
		return nil, nil
	}
	var msgs []t.StoredMessage
	for _, id := range ids {
		if msg, ok := conv[id]; ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// MessagesDelete erases message bodies.
func (a *adapter) MessagesDelete(convID string, ids []string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	conv := a.messages[convID]
	for _, id := range ids {
		delete(conv, id)
	}
	return nil
}

// Reset wipes all stored data and counters. Test helper.
func Reset() {
	singleton.lock.Lock()
	defer singleton.lock.Unlock()
	singleton.reset()
}

// EntityWrites reports how many times the state blob of (kind, id) was
// written since the last Reset. Test helper.
func EntityWrites(kind t.EntityKind, id string) int {
	singleton.lock.Lock()
	defer singleton.lock.Unlock()
	return singleton.entityWrites[key(kind, id)]
}

// MessageCount reports how many message bodies a conversation holds.
// Test helper.
func MessageCount(convID string) int {
	singleton.lock.Lock()
	defer singleton.lock.Unlock()
	return len(singleton.messages[convID])
}

func init() {
	store.RegisterAdapter(singleton)
}
