// Package state defines the application state machine: the states an
// eligibility application moves through, the valid transitions between
// them, and the UI-facing progress value derived from each state.
//
// The package is pure data plus predicates. It performs no I/O and
// holds no mutable state; the store validates transitions through it
// and the engine consults it when computing the next action.
package state

// State identifies a point in the application workflow.
type State string

// Workflow states, in the order an application normally visits them.
const (
	Draft             State = "DRAFT"
	FormSubmitted     State = "FORM_SUBMITTED"
	DocumentsUploaded State = "DOCUMENTS_UPLOADED"
	ScanningDocuments State = "SCANNING_DOCUMENTS"
	OCRCompleted      State = "OCR_COMPLETED"
	Analyzing         State = "ANALYZING"
	AnalysisCompleted State = "ANALYSIS_COMPLETED"
	MakingDecision    State = "MAKING_DECISION"
	DecisionCompleted State = "DECISION_COMPLETED"
	Approved          State = "APPROVED"
	Rejected          State = "REJECTED"
	NeedsReview       State = "NEEDS_REVIEW"
	ProcessingFailed  State = "PROCESSING_FAILED"
	Cancelled         State = "CANCELLED"
)

// progress maps each state to its canonical completion percentage.
// ProcessingFailed and Cancelled have no canonical value: the
// application keeps the progress of the state it failed or was
// cancelled from.
var progress = map[State]int{
	Draft:             0,
	FormSubmitted:     20,
	DocumentsUploaded: 30,
	ScanningDocuments: 40,
	OCRCompleted:      50,
	Analyzing:         60,
	AnalysisCompleted: 70,
	MakingDecision:    80,
	DecisionCompleted: 90,
	Approved:          100,
	Rejected:          100,
	NeedsReview:       100,
}

// transitions is the validity relation. The Cancelled edges from
// running states cover flag-driven cancellation acknowledged at a safe
// point; the FormSubmitted edges from terminal states cover
// administrative reset.
var transitions = map[State][]State{
	Draft:             {FormSubmitted},
	FormSubmitted:     {DocumentsUploaded, Cancelled},
	DocumentsUploaded: {ScanningDocuments, Cancelled},
	ScanningDocuments: {OCRCompleted, ProcessingFailed, Cancelled},
	OCRCompleted:      {Analyzing, NeedsReview, Cancelled},
	Analyzing:         {AnalysisCompleted, ProcessingFailed, Cancelled},
	AnalysisCompleted: {MakingDecision, NeedsReview, Cancelled},
	MakingDecision:    {DecisionCompleted, ProcessingFailed, Cancelled},
	DecisionCompleted: {Approved, Rejected, NeedsReview},
	ProcessingFailed:  {ScanningDocuments, DocumentsUploaded, FormSubmitted, Cancelled},
	Approved:          {FormSubmitted, Draft},
	Rejected:          {FormSubmitted, Draft},
	NeedsReview:       {FormSubmitted, Draft},
	Cancelled:         {FormSubmitted, Draft},
}

// stepMessages are the human-readable messages attached to the
// WorkflowStep written when an application enters a state.
var stepMessages = map[State]string{
	Draft:             "application created",
	FormSubmitted:     "application form submitted",
	DocumentsUploaded: "all required documents attached",
	ScanningDocuments: "scanning documents",
	OCRCompleted:      "document text extraction finished",
	Analyzing:         "analyzing document contents",
	AnalysisCompleted: "document analysis finished",
	MakingDecision:    "evaluating eligibility",
	DecisionCompleted: "eligibility decision recorded",
	Approved:          "application approved",
	Rejected:          "application rejected",
	NeedsReview:       "application requires manual review",
	ProcessingFailed:  "automatic processing failed",
	Cancelled:         "application cancelled",
}

// Valid reports whether s is one of the defined workflow states.
func Valid(s State) bool {
	_, ok := stepMessages[s]
	return ok
}

// CanTransition reports whether the state machine permits moving from
// one state to another. Every pair not in the relation is invalid.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress returns the canonical progress percentage for s. The second
// return is false for states without a canonical value
// (ProcessingFailed, Cancelled), in which case the caller keeps the
// previous value.
func Progress(s State) (int, bool) {
	p, ok := progress[s]
	return p, ok
}

// IsTerminal reports whether no further automatic transitions occur
// from s. Terminal applications are immutable except for
// administrative reset.
func IsTerminal(s State) bool {
	switch s {
	case Approved, Rejected, NeedsReview, Cancelled:
		return true
	}
	return false
}

// IsRunning reports whether s has stage jobs in flight. Cancellation
// from a running state is flag-driven rather than immediate.
func IsRunning(s State) bool {
	switch s {
	case ScanningDocuments, Analyzing, MakingDecision:
		return true
	}
	return false
}

// StepMessage returns the journal message for entering s.
func StepMessage(s State) string {
	return stepMessages[s]
}
