// Package alert carries user-facing alerts from the presence daemon to
// whatever is showing them to the operator: the log, an MQTT dashboard,
// or both.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Alert is a single user-facing notification. Err holds the sentinel that
// caused it (connmgr.ErrRadioUnavailable, attendance.ErrDeliveryFailure,
// ...) so sinks can classify with errors.Is.
type Alert struct {
	Title   string
	Message string
	Err     error
	At      time.Time
}

// Sink receives alerts. Implementations must not block for long; alerts
// are raised from state-machine and delivery goroutines.
type Sink interface {
	Alert(ctx context.Context, a Alert)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Alert)

// Alert implements Sink.
func (f SinkFunc) Alert(ctx context.Context, a Alert) { f(ctx, a) }

// Log returns a Sink that writes alerts to logger at warn level.
func Log(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(ctx context.Context, a Alert) {
		attrs := []any{"title", a.Title, "message", a.Message}
		if a.Err != nil {
			attrs = append(attrs, "error", a.Err)
		}
		logger.WarnContext(ctx, "alert", attrs...)
	})
}

// Multi fans an alert out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(ctx context.Context, a Alert) {
		for _, s := range live {
			s.Alert(ctx, a)
		}
	})
}

// Recorder is a Sink that keeps every alert, for tests.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Alert implements Sink.
func (r *Recorder) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

// Alerts returns a copy of everything recorded so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Len returns the number of alerts recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}
