// Package analytics is the fire-and-forget event sink. Events carry a
// symbolic name and a parameter map; no response is expected and failures
// are never surfaced.
package analytics

import "log/slog"

// Tracker receives usage events.
type Tracker interface {
	Event(name string, params map[string]any)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Event(string, map[string]any) {}

type logTracker struct {
	log *slog.Logger
}

// NewLogTracker returns a Tracker that logs events at debug level. A nil
// logger uses the default logger.
func NewLogTracker(log *slog.Logger) Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &logTracker{log: log}
}

func (t *logTracker) Event(name string, params map[string]any) {
	attrs := make([]any, 0, 2*len(params))
	for k, v := range params {
		attrs = append(attrs, slog.Any(k, v))
	}
	t.log.With(attrs...).Debug("analytics event", "event", name)
}
