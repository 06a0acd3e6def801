// Package adapter contains the interfaces to be implemented by the database adapter.
package adapter

import (
	"encoding/json"
	"time"

	t "github.com/whisperline/whisperline/server/store/types"
)

// Adapter is the interface which must be implemented by a database adapter.
// The store package contains the adapter registry and the public facade.
type Adapter interface {
	// Open and configure the adapter.
	Open(jsonconf json.RawMessage) error
	// Close the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the name of the adapter.
	GetName() string

	// EntityGet fetches the state blob of (kind, id).
	// Returns (nil, nil) when no state was ever persisted.
	EntityGet(kind t.EntityKind, id string) ([]byte, error)
	// EntityPut saves the state blob of (kind, id), replacing any
	// previous value.
	EntityPut(kind t.EntityKind, id string, blob []byte) error
	// EntityDelete erases the state blob of (kind, id). Deleting a
	// non-existent blob is not an error.
	EntityDelete(kind t.EntityKind, id string) error

	// ScheduleUpsert creates or replaces the durable trigger of (kind, id).
	ScheduleUpsert(entry *t.ScheduleEntry) error
	// ScheduleDelete removes the durable trigger of (kind, id).
	ScheduleDelete(kind t.EntityKind, id string) error
	// ScheduleDue returns all triggers with NextFire at or before now.
	ScheduleDue(now time.Time) ([]t.ScheduleEntry, error)

	// MessageSave persists one message body.
	MessageSave(msg *t.StoredMessage) error
	// MessagesGet fetches message bodies of a conversation by id. Unknown
	// ids are skipped. The result order is unspecified.
	MessagesGet(convID string, ids []string) ([]t.StoredMessage, error)
	// MessagesDelete erases message bodies of a conversation.
	MessagesDelete(convID string, ids []string) error
}
