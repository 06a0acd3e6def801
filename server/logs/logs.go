/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers.
 *
 *****************************************************************************/
package logs

import (
	"io"
	"log"
	"os"
)

var (
	// Info is the logger for informational messages.
	Info *log.Logger
	// Warn is the logger for recoverable problems.
	Warn *log.Logger
	// Err is the logger for errors.
	Err *log.Logger
)

func init() {
	// Default initialization so the loggers are usable in tests
	// without an explicit Init call.
	Init(os.Stderr)
}

// Init sets up the package loggers writing to the given sink.
func Init(out io.Writer) {
	Info = log.New(out, "I", log.LstdFlags|log.Lshortfile)
	Warn = log.New(out, "W", log.LstdFlags|log.Lshortfile)
	Err = log.New(out, "E", log.LstdFlags|log.Lshortfile)
}
