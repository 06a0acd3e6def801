// Package stdout is a sample implementation of a push plugin.
// If enabled, it writes every notification to stdout.
package stdout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/whisperline/whisperline/server/push"
)

var handler stdoutPush

// How much to buffer the input channel.
const defaultBuffer = 32

type stdoutPush struct {
	initialized bool
	input       chan *push.Receipt
	stop        chan bool
}

type configType struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer"`
}

// Init initializes the handler.
func (stdoutPush) Init(jsonconf json.RawMessage) (bool, error) {
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

	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}

	handler.input = make(chan *push.Receipt, config.Buffer)
	handler.stop = make(chan bool, 1)

	go func() {
		for {
			select {
			case rcpt := <-handler.input:
				blob, _ := json.Marshal(rcpt)
				fmt.Fprintln(os.Stdout, string(blob))
			case <-handler.stop:
				return
			}
		}
	}()

	return true, nil
}

// IsReady checks if the handler is initialized.
func (stdoutPush) IsReady() bool {
	return handler.input != nil
}

// Push returns a channel that the server will use to send receipts to.
// If the adapter blocks, the receipt will be dropped.
func (stdoutPush) Push() chan<- *push.Receipt {
	return handler.input
}

// Stop terminates the handler's worker.
func (stdoutPush) Stop() {
	if handler.stop != nil {
		handler.stop <- true
	}
}

func init() {
	push.Register("stdout", &handler)
}
