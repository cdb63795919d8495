package printer

import (
	"sync/atomic"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
)

// Printer writes journaled calls and socket sessions to the terminal.
type Printer interface {
	PrintCall(*storage.CallRecord) error
	PrintSession(*storage.SessionRecord) error
}

var globalCallCounter uint64

func nextCallNumber() uint64 {
	return atomic.AddUint64(&globalCallCounter, 1)
}

// New creates a Printer for the output mode.
func New(mode string, log logger.Logger) Printer {
	switch mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log)
	}
}
