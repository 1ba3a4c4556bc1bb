package emit

// Emitter receives observability events from the workflow engine.
//
// Implementations must be safe for concurrent use (stage handlers run
// in parallel workers) and must not block or panic: a slow or failing
// observability backend must never stall an advance.
//
// Provided implementations:
//   - LogEmitter: structured text or JSON lines to an io.Writer
//   - OTelEmitter: OpenTelemetry spans
//   - NullEmitter: discard
type Emitter interface {
	// Emit delivers a single event. Errors are handled internally.
	Emit(event Event)
}
