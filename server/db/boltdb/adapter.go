// Package boltdb is a database adapter backed by bbolt, a single-file
// embedded key/value store. Entity state blobs, the durable schedule table
// and message bodies each live in their own top-level bucket.
package boltdb

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

// adapterName is the name of this adapter in the registry.
const adapterName = "boltdb"

const (
	defaultFileName = "whisperline.db"
	openTimeout     = 5 * time.Second
	fileMode        = 0o600
)

var (
	bucketEntities  = []byte("entities")
	bucketSchedules = []byte("schedules")
	bucketMessages  = []byte("messages")
)

type adapter struct {
	db   *bolt.DB
	path string
}

type configType struct {
	// Path of the database file.
	File string `json:"file"`
}

// Open opens or creates the database file and the top-level buckets.
func (a *adapter) Open(jsonconf json.RawMessage) error {
	if a.db != nil {
		return errors.New("adapter boltdb is already connected")
	}

	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("adapter boltdb failed to parse config: " + err.Error())
		}
	}
	if config.File == "" {
		config.File = defaultFileName
	}

	db, err := bolt.Open(config.File, fileMode, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketSchedules, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}

	a.db = db
	a.path = config.File
	return nil
}

// Close closes the database file.
func (a *adapter) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

func entityKey(kind t.EntityKind, id string) []byte {
	return []byte(string(kind) + ":" + id)
}

// EntityGet fetches the state blob of (kind, id).
func (a *adapter) EntityGet(kind t.EntityKind, id string) ([]byte, error) {
	var blob []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketEntities).Get(entityKey(kind, id)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	return blob, err
}

// EntityPut saves the state blob of (kind, id).
func (a *adapter) EntityPut(kind t.EntityKind, id string, blob []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntities).Put(entityKey(kind, id), blob)
	})
}

// EntityDelete erases the state blob of (kind, id).
func (a *adapter) EntityDelete(kind t.EntityKind, id string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntities).Delete(entityKey(kind, id))
	})
}

// ScheduleUpsert creates or replaces the durable trigger of (kind, id).
func (a *adapter) ScheduleUpsert(entry *t.ScheduleEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put(entityKey(entry.Kind, entry.ID), blob)
	})
}

// ScheduleDelete removes the durable trigger of (kind, id).
func (a *adapter) ScheduleDelete(kind t.EntityKind, id string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete(entityKey(kind, id))
	})
}

// ScheduleDue returns all triggers with NextFire at or before now.
// The schedule table is expected to stay small (one row per conversation
// with a retention policy), a full scan is fine.
func (a *adapter) ScheduleDue(now time.Time) ([]t.ScheduleEntry, error) {
	var due []t.ScheduleEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(_, v []byte) error {
			var entry t.ScheduleEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !entry.NextFire.After(now) {
				due = append(due, entry)
			}
			return nil
		})
	})
	return due, err
}

// MessageSave persists one message body in the conversation's sub-bucket.
func (a *adapter) MessageSave(msg *t.StoredMessage) error {
	blob, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		conv, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return err
		}
		return conv.Put([]byte(msg.ID), blob)
	})
}

// MessagesGet fetches message bodies by id, skipping unknown ids.
func (a *adapter) MessagesGet(convID string, ids []string) ([]t.StoredMessage, error) {
	var msgs []t.StoredMessage
	err := a.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if conv == nil {
			return nil
		}
		for _, id := range ids {
			v := conv.Get([]byte(id))
			if v == nil {
				continue
			}
			var msg t.StoredMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	return msgs, err
}

// MessagesDelete erases message bodies.
func (a *adapter) MessagesDelete(convID string, ids []string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if conv == nil {
			return nil
		}
		for _, id := range ids {
			if err := conv.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func init() {
	store.RegisterAdapter(&adapter{})
}
