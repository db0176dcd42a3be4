package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/mcphost/internal/events"
)

// Recorder copies session transitions and invocations from the event
// bus into a Store.
type Recorder struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewRecorder creates a recorder. Call Run to start consuming.
func NewRecorder(store *Store, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: bus, logger: logger}
}

// Run subscribes to the bus and records events until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ch := r.bus.Subscribe(256, events.KindStateChanged, events.KindInvoke)
	defer r.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := r.record(ctx, e); err != nil {
				r.logger.Warn("failed to record history", "kind", e.Kind, "error", err)
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, e events.Event) error {
	switch e.Kind {
	case events.KindStateChanged:
		return r.store.RecordTransition(ctx, Transition{
			Timestamp: e.Timestamp,
			Server:    str(e.Data["server"]),
			From:      str(e.Data["from"]),
			To:        str(e.Data["to"]),
			Attempt:   int(num(e.Data["attempt"])),
			Error:     str(e.Data["error"]),
		})
	case events.KindInvoke:
		ok, _ := e.Data["ok"].(bool)
		return r.store.RecordInvocation(ctx, Invocation{
			Timestamp: e.Timestamp,
			Name:      str(e.Data["name"]),
			Server:    str(e.Data["server"]),
			OK:        ok,
			Kind:      str(e.Data["kind"]),
			Error:     str(e.Data["error"]),
			Duration:  time.Duration(num(e.Data["duration_ms"])) * time.Millisecond,
		})
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num accepts the integer types publishers use plus float64 from
// JSON-decoded events.
func num(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
