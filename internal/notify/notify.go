// Package notify delivers operator-facing notices raised outside the
// request path, such as scheduled sweep results or circuit health changes.
package notify

import (
	"samgpt/internal/logging"
)

// Level classifies a notice by severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier routes notices to a delivery sink.
type Notifier interface {
	Notify(level Level, title, message string)
}

// LogNotifier writes notices to the component log.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a LogNotifier backed by the given logger.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// Notify writes the notice at the log level matching its severity.
func (n *LogNotifier) Notify(level Level, title, message string) {
	switch level {
	case LevelError:
		n.logger.Error("%s: %s", title, message)
	case LevelWarning:
		n.logger.Warn("%s: %s", title, message)
	default:
		n.logger.Info("%s: %s", title, message)
	}
}

// NopNotifier discards all notices. Used in tests and when notifications
// are disabled.
type NopNotifier struct{}

// Notify is a no-op.
func (NopNotifier) Notify(_ Level, _ string, _ string) {}

// Fanout delivers every notice to all wrapped notifiers.
type Fanout []Notifier

// Notify forwards the notice to each notifier in order.
func (f Fanout) Notify(level Level, title, message string) {
	for _, n := range f {
		if n != nil {
			n.Notify(level, title, message)
		}
	}
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = NopNotifier{}
	_ Notifier = Fanout(nil)
)
