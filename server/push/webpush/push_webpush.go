// Package webpush implements the production push plugin on the Web Push
// protocol with VAPID authentication. A push service responding with
// 404 or 410 marks the subscription as gone; the endpoint is reported back
// to the server for pruning instead of being treated as a delivery error.
package webpush

import (
	"encoding/json"
	"errors"
	"net/http"

	wp "github.com/SherClockHolmes/webpush-go"

	"github.com/whisperline/whisperline/server/logs"
	"github.com/whisperline/whisperline/server/push"
)

var handler webPush

// How much to buffer the input channel.
const defaultBuffer = 32

type webPush struct {
	initialized bool
	input       chan *push.Receipt
	stop        chan bool
	config      configType
}

type configType struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer"`
	// Contact address included in the VAPID claims, e.g. "mailto:ops@example.com".
	Subscriber string `json:"subscriber"`
	// VAPID key pair.
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	// Notification time-to-live at the push service, seconds.
	TTL int `json:"ttl"`
}

// Init initializes the handler.
func (webPush) Init(jsonconf json.RawMessage) (bool, error) {
	if handler.initialized {
		return false, errors.New("already initialized")
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return false, errors.New("failed to parse config: " + err.Error())
	}

	handler.initialized = true

	if !config.Enabled {
		return false, nil
	}

	if config.PublicKey == "" || config.PrivateKey == "" {
		return false, errors.New("missing VAPID keys")
	}
	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}
	if config.TTL <= 0 {
		config.TTL = 30
	}

	handler.config = config
	handler.input = make(chan *push.Receipt, config.Buffer)
	handler.stop = make(chan bool, 1)

	go func() {
		for {
			select {
			case rcpt := <-handler.input:
				sendPushes(rcpt, &handler.config)
			case <-handler.stop:
				return
			}
		}
	}()

	return true, nil
}

func sendPushes(rcpt *push.Receipt, config *configType) {
	payload, err := json.Marshal(rcpt.Payload)
	if err != nil {
		logs.Err.Println("webpush: bad payload:", err)
		return
	}

	for _, to := range rcpt.To {
		for _, sub := range to.Subscriptions {
			resp, err := wp.SendNotification(payload, &wp.Subscription{
				Endpoint: sub.Endpoint,
				Keys: wp.Keys{
					P256dh: sub.P256dhKey,
					Auth:   sub.AuthKey,
				},
			}, &wp.Options{
				Subscriber:      config.Subscriber,
				VAPIDPublicKey:  config.PublicKey,
				VAPIDPrivateKey: config.PrivateKey,
				TTL:             config.TTL,
			})
			if err != nil {
				logs.Warn.Println("webpush: send failed:", to.UserID, err)
				continue
			}
			resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusNotFound, http.StatusGone:
				// The subscription no longer exists at the push service.
				push.ReportExpired(to.UserID, sub.Endpoint)
			default:
				if resp.StatusCode >= 400 {
					logs.Warn.Println("webpush: rejected:", to.UserID, resp.StatusCode)
				}
			}
		}
	}
}

// IsReady checks if the handler is initialized.
func (webPush) IsReady() bool {
	return handler.input != nil
}

// Push returns a channel that the server will use to send receipts to.
// If the adapter blocks, the receipt will be dropped.
func (webPush) Push() chan<- *push.Receipt {
	return handler.input
}

// Stop terminates the handler's worker.
func (webPush) Stop() {
	if handler.stop != nil {
		handler.stop <- true
	}
}

func init() {
	push.Register("webpush", &handler)
}
