package emit

// Event is an observability event produced by the workflow engine and
// its stage handlers.
//
// Events describe what the engine did, not what the UI sees: state
// transitions, stage dispatch and completion, lease contention, retry
// scheduling, cancellation acknowledgement. The Progress API is the
// user-facing projection; events feed logs and traces.
type Event struct {
	// ApplicationID identifies the application the event belongs to.
	ApplicationID string

	// Sequence is the workflow step sequence number the event relates
	// to, or zero for events outside the journal (lease contention,
	// queue activity).
	Sequence int

	// Stage names the stage involved ("ocr", "extract", "decide"),
	// empty for engine-level events.
	Stage string

	// DocumentID is set for per-document stage events.
	DocumentID string

	// Msg is a short machine-friendly event name, e.g.
	// "transition", "stage_dispatched", "stage_completed",
	// "stage_retry", "lease_contended", "cancel_acknowledged".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   "from", "to"        - states on a transition event
	//   "attempt"           - stage attempt number
	//   "error"             - classified error string
	//   "duration_ms"       - stage execution duration
	//   "backoff_ms"        - delay before the next attempt
	Meta map[string]interface{}
}
