// Package push contains interfaces to be implemented by push notification plugins.
package push

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	t "github.com/whisperline/whisperline/server/store/types"
)

// Push actions.
const (
	// ActMsg is a new message notification.
	ActMsg = "msg"
)

// Recipient is a user targeted by the push with their registered endpoints.
type Recipient struct {
	UserID        string               `json:"userId"`
	Subscriptions []t.PushSubscription `json:"-"`
}

// Payload is the notification content delivered to the client. Bodies are
// end-to-end encrypted, so the payload carries routing data only; the client
// fetches and decrypts the message itself.
type Payload struct {
	What           string    `json:"what"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	MessageID      string    `json:"messageId,omitempty"`
	Timestamp      time.Time `json:"ts"`
}

// Receipt is the push payload with a list of recipients.
type Receipt struct {
	To      []Recipient `json:"to"`
	Payload Payload     `json:"payload"`
}

// Handler is an interface which must be implemented by push plugins.
type Handler interface {
	// Init initializes the handler. Returns false, nil if the handler is
	// disabled by config.
	Init(jsonconf json.RawMessage) (bool, error)

	// IsReady checks if the handler is initialized.
	IsReady() bool

	// Push returns a channel that the server will use to send receipts to.
	// The receipt is dropped if the channel blocks.
	Push() chan<- *Receipt

	// Stop terminates the handler's worker and stops sending pushes.
	Stop()
}

type configType struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

var handlers = make(map[string]Handler)
var enabled []string

// ExpiredFunc is invoked by a transport when a push service reports an
// endpoint as gone, so the owning push-subscription entity can prune it.
type ExpiredFunc func(userID, endpoint string)

var expiredLock sync.RWMutex
var expiredHandler ExpiredFunc

// Register a push handler.
func Register(name string, hnd Handler) {
	if name == "" || hnd == nil {
		panic("push: invalid handler registration")
	}
	if _, dup := handlers[name]; dup {
		panic("push: duplicate registration of handler " + name)
	}
	handlers[name] = hnd
}

// Init initializes registered handlers from the config.
func Init(jsonconf json.RawMessage) error {
	var config []configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("push: failed to parse config: " + err.Error())
	}

	for _, cc := range config {
		if hnd, ok := handlers[cc.Name]; ok {
			if ok, err := hnd.Init(cc.Config); err != nil {
				return err
			} else if ok {
				enabled = append(enabled, cc.Name)
			}
		} else {
			return errors.New("push: unknown handler " + cc.Name)
		}
	}
	return nil
}

// Push a receipt to all configured handlers. Never blocks, receipts to slow
// handlers are dropped.
func Push(rcpt *Receipt) {
	if rcpt == nil {
		return
	}
	for _, name := range enabled {
		hnd := handlers[name]
		if !hnd.IsReady() {
			continue
		}
		select {
		case hnd.Push() <- rcpt:
		default:
		}
	}
}

// Stop all configured handlers.
func Stop() {
	for _, name := range enabled {
		handlers[name].Stop()
	}
	enabled = nil
}

// SetExpiredHandler installs the callback for gone subscriptions.
func SetExpiredHandler(f ExpiredFunc) {
	expiredLock.Lock()
	expiredHandler = f
	expiredLock.Unlock()
}

// ReportExpired notifies the server that a subscription endpoint is gone.
// Called by transports; a nop when no callback is installed.
func ReportExpired(userID, endpoint string) {
	expiredLock.RLock()
	f := expiredHandler
	expiredLock.RUnlock()
	if f != nil {
		f(userID, endpoint)
	}
}
