// Package store provides methods for registering and accessing database adapters.
package store

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	sf "github.com/tinode/snowflake"

	"github.com/whisperline/whisperline/server/store/adapter"
	t "github.com/whisperline/whisperline/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator.
var uGen *sf.SnowFlake

type configType struct {
	// 0..1023. Used to initialize the snowflake sequence.
	WorkerID int `json:"worker_id"`
	// DB adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// RegisterAdapter makes a persistence adapter available by the provided name.
// If RegisterAdapter is called twice for the same name or if the adapter is
// nil, it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	name := a.GetName()
	if _, dup := availableAdapters[name]; dup {
		panic("store: duplicate registration of adapter " + name)
	}

	availableAdapters[name] = a
}

// Open initializes the persistence system with the given configuration.
func Open(jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error())
	}

	if adp == nil {
		if config.UseAdapter != "" {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	if config.WorkerID < 0 || config.WorkerID > 1023 {
		return errors.New("store: invalid worker ID")
	}

	var err error
	if uGen, err = sf.NewSnowFlake(uint32(config.WorkerID)); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// Close terminates the connection to the persistent storage.
func Close() error {
	if adp == nil || !adp.IsOpen() {
		return nil
	}
	return adp.Close()
}

// IsOpen checks if the persistent storage is ready for use.
func IsOpen() bool {
	return adp != nil && adp.IsOpen()
}

// GetAdapterName returns the name of the current adapter.
func GetAdapterName() string {
	if adp == nil {
		return ""
	}
	return adp.GetName()
}

// GetUidString generates a unique id as an URL-safe base64 string.
func GetUidString() string {
	id, err := uGen.Next()
	if err != nil {
		return ""
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// EntitiesPersistenceInterface is an interface which defines entity state
// blob persistence.
type EntitiesPersistenceInterface interface {
	Get(kind t.EntityKind, id string) ([]byte, error)
	Put(kind t.EntityKind, id string, blob []byte) error
	Delete(kind t.EntityKind, id string) error
}

// Entities is the anchor for storing/retrieving entity state blobs.
var Entities EntitiesPersistenceInterface = entityMapper{}

type entityMapper struct{}

// Get fetches the state blob of (kind, id), (nil, nil) when missing.
func (entityMapper) Get(kind t.EntityKind, id string) ([]byte, error) {
	return adp.EntityGet(kind, id)
}

// Put saves the state blob of (kind, id).
func (entityMapper) Put(kind t.EntityKind, id string, blob []byte) error {
	return adp.EntityPut(kind, id, blob)
}

// Delete erases the state blob of (kind, id).
func (entityMapper) Delete(kind t.EntityKind, id string) error {
	return adp.EntityDelete(kind, id)
}

// SchedulesPersistenceInterface is an interface which defines methods for
// durable recurring triggers.
type SchedulesPersistenceInterface interface {
	Upsert(entry *t.ScheduleEntry) error
	Delete(kind t.EntityKind, id string) error
	Due(now time.Time) ([]t.ScheduleEntry, error)
}

// Schedules is the anchor for accessing the durable schedule table.
var Schedules SchedulesPersistenceInterface = scheduleMapper{}

type scheduleMapper struct{}

// Upsert creates or replaces the trigger of (kind, id).
func (scheduleMapper) Upsert(entry *t.ScheduleEntry) error {
	return adp.ScheduleUpsert(entry)
}

// Delete removes the trigger of (kind, id).
func (scheduleMapper) Delete(kind t.EntityKind, id string) error {
	return adp.ScheduleDelete(kind, id)
}

// Due returns all triggers which should have fired by now.
func (scheduleMapper) Due(now time.Time) ([]t.ScheduleEntry, error) {
	return adp.ScheduleDue(now)
}

// MessagesPersistenceInterface is the contract of the message-body store
// collaborator. Bodies are opaque ciphertext; the conversation entity owns
// all indexing.
type MessagesPersistenceInterface interface {
	Save(msg *t.StoredMessage) (string, error)
	GetByConversation(convID string, ids []string) ([]t.StoredMessage, error)
	Delete(convID string, ids []string) error
}

// Messages is the anchor for storing/retrieving message bodies.
var Messages MessagesPersistenceInterface = messageMapper{}

type messageMapper struct{}

// Save assigns the message an id if it has none and persists the body.
func (messageMapper) Save(msg *t.StoredMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = GetUidString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.TimeNow()
	}
	if err := adp.MessageSave(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// GetByConversation fetches message bodies by id, skipping unknown ids.
func (messageMapper) GetByConversation(convID string, ids []string) ([]t.StoredMessage, error) {
	return adp.MessagesGet(convID, ids)
}

// Delete erases message bodies.
func (messageMapper) Delete(convID string, ids []string) error {
	return adp.MessagesDelete(convID, ids)
}
