package workflow

import (
	"context"
	"time"

	"github.com/civistack/benefitflow/workflow/state"
	"github.com/civistack/benefitflow/workflow/store"
)

// ProgressReport is the read-only projection of an application for the
// polling UI.
type ProgressReport struct {
	ApplicationID  string             `json:"application_id"`
	OverallStatus  state.State        `json:"overall_status"`
	Progress       int                `json:"progress"`
	ElapsedSeconds int64              `json:"elapsed_seconds"`
	Steps          []ProgressStep     `json:"steps"`
	Documents      []ProgressDocument `json:"documents"`
	PartialResults PartialResults     `json:"partial_results"`
	NextAction     string             `json:"next_action"`
	CanRetry       bool               `json:"can_retry"`
}

// ProgressStep is one journal entry in UI form.
type ProgressStep struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// ProgressDocument is the per-document stage view.
type ProgressDocument struct {
	Kind            string                 `json:"kind"`
	Filename        string                 `json:"filename"`
	OCRStatus       string                 `json:"ocr_status"`
	OCRConfidence   float64                `json:"ocr_confidence,omitempty"`
	ExtractStatus   string                 `json:"extract_status"`
	ExtractedFields map[string]interface{} `json:"extracted_fields,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// PartialResults carries whichever intermediate products exist.
type PartialResults struct {
	BankExtract map[string]interface{} `json:"bank_extract,omitempty"`
	IDExtract   map[string]interface{} `json:"id_extract,omitempty"`
	Decision    *DecisionSummary       `json:"decision,omitempty"`
}

// DecisionSummary is the verdict in UI form.
type DecisionSummary struct {
	Outcome       string  `json:"outcome"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
	BenefitAmount *int64  `json:"benefit_amount,omitempty"`
}

// Next actions surfaced to the UI.
const (
	ActionUploadDocuments = "upload_documents"
	ActionAwaitProcessing = "await_processing"
	ActionRetry           = "retry"
	ActionCompleted       = "completed"
	ActionCancelled       = "cancelled"
)

// Status builds the progress report. Read-only; never mutates.
func (e *Engine) Status(ctx context.Context, ownerID, appID string) (*ProgressReport, error) {
	if _, err := e.authorize(ctx, ownerID, appID); err != nil {
		return nil, err
	}
	snap, err := e.store.LoadFull(ctx, appID)
	if err != nil {
		return nil, err
	}

	app := &snap.Application
	report := &ProgressReport{
		ApplicationID: app.ID,
		OverallStatus: app.State,
		Progress:      app.Progress,
		NextAction:    nextAction(app.State),
		CanRetry:      app.State == state.ProcessingFailed,
	}

	since := app.CreatedAt
	if app.SubmittedAt != nil {
		since = *app.SubmittedAt
	}
	until := e.now()
	if app.DecidedAt != nil {
		until = *app.DecidedAt
	}
	report.ElapsedSeconds = int64(until.Sub(since) / time.Second)

	for i := range snap.Steps {
		st := &snap.Steps[i]
		report.Steps = append(report.Steps, ProgressStep{
			Name:        st.StepName,
			Status:      st.Status,
			Message:     st.Message,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
			DurationMS:  st.DurationMS,
		})
	}

	for i := range snap.Documents {
		d := &snap.Documents[i]
		pd := ProgressDocument{
			Kind:            d.Kind,
			Filename:        d.Filename,
			OCRStatus:       d.OCRStatus,
			OCRConfidence:   d.OCRConfidence,
			ExtractStatus:   d.ExtractStatus,
			ExtractedFields: d.ExtractedFields,
		}
		switch {
		case d.ExtractError != "":
			pd.Error = d.ExtractError
		case d.OCRError != "":
			pd.Error = d.OCRError
		}
		report.Documents = append(report.Documents, pd)

		if d.ExtractStatus == store.StageCompleted {
			switch d.Kind {
			case store.KindBankStatement:
				report.PartialResults.BankExtract = d.ExtractedFields
			case store.KindIdentityCard:
				report.PartialResults.IDExtract = d.ExtractedFields
			}
		}
	}

	if snap.Decision != nil {
		report.PartialResults.Decision = &DecisionSummary{
			Outcome:       string(snap.Decision.Outcome),
			Confidence:    snap.Decision.Confidence,
			Reasoning:     snap.Decision.Reasoning,
			BenefitAmount: snap.Decision.BenefitAmount,
		}
	}
	return report, nil
}

// nextAction maps a state to what the applicant should do next.
func nextAction(s state.State) string {
	switch {
	case s == state.Draft || s == state.FormSubmitted:
		return ActionUploadDocuments
	case s == state.ProcessingFailed:
		return ActionRetry
	case s == state.Cancelled:
		return ActionCancelled
	case state.IsTerminal(s):
		return ActionCompleted
	}
	return ActionAwaitProcessing
}
