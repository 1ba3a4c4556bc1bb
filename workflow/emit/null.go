package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use when event output is unwanted: benchmarks, tests that assert on
// store contents only, or deployments that rely solely on metrics.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops every event.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
