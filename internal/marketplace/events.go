package marketplace

import "github.com/xtrntr/escrowmarket/internal/models"

// Emitter receives events after the operation producing them has committed.
// Emit runs while the engine is locked: implementations must not block and
// must not call back into the engine synchronously.
type Emitter interface {
	Emit(models.Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(models.Event) {}

// MultiEmitter fans every event out to each emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(ev models.Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Recorder keeps every emitted event in memory. Used by tests and the seeder.
type Recorder struct {
	Events []models.Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(ev models.Event) { r.Events = append(r.Events, ev) }

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range r.Events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
