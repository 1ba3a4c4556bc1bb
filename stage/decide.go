package stage

import (
	"context"
	"errors"
	"time"

	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/workflow/decision"
	"github.com/civistack/benefitflow/workflow/store"
)

// Decide asks the decision model for an eligibility verdict over the
// application's extracted data. When the upstream is unavailable the
// deterministic rule set answers instead; the rule needs no network,
// so unavailability never blocks a decision.
type Decide struct {
	Client     upstream.DecisionClient
	Thresholds decision.Thresholds
	Timeout    time.Duration
}

// DecisionInputs collects the numeric rule inputs from whichever
// documents completed extraction. Fields from failed documents are
// simply absent (partial-success mode).
func DecisionInputs(snap *store.Snapshot) decision.Inputs {
	var in decision.Inputs
	if d := snap.DocumentByKind(store.KindBankStatement); d != nil && d.ExtractStatus == store.StageCompleted {
		if v, ok := upstream.Float64Field(d.ExtractedFields, "monthly_income"); ok {
			in.MonthlyIncome = &v
		}
		if v, ok := upstream.Float64Field(d.ExtractedFields, "closing_balance"); ok {
			in.ClosingBalance = &v
		}
	}
	return in
}

// modelPayload is everything the decision model sees: form data plus
// the extracted fields of every completed document, keyed by kind.
func modelPayload(snap *store.Snapshot) map[string]interface{} {
	payload := map[string]interface{}{
		"applicant": map[string]interface{}{
			"full_name":   snap.Application.Form.FullName,
			"national_id": snap.Application.Form.NationalID,
		},
	}
	docs := map[string]interface{}{}
	for i := range snap.Documents {
		d := &snap.Documents[i]
		if d.ExtractStatus == store.StageCompleted {
			docs[d.Kind] = d.ExtractedFields
		}
	}
	payload["documents"] = docs
	return payload
}

// Run produces the model verdict for the application. The returned
// error, if any, is classified; upstream unavailability is not an
// error here because the rule fallback absorbs it.
func (e *Decide) Run(ctx context.Context, snap *store.Snapshot) (decision.ModelVerdict, error) {
	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	res, err := e.Client.Decide(runCtx, modelPayload(snap))
	if err != nil {
		if errors.Is(err, upstream.ErrUnavailable) {
			fb := decision.Fallback(DecisionInputs(snap), e.Thresholds)
			return decision.ModelVerdict{
				Outcome:       fb.Outcome,
				Confidence:    fb.Confidence,
				Reasoning:     fb.Reasoning,
				BenefitAmount: fb.BenefitAmount,
			}, nil
		}
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return decision.ModelVerdict{}, fail(store.StageDecide, ClassTimeout,
				"decision exceeded timeout of %v", e.Timeout)
		}
		return decision.ModelVerdict{}, Classify(store.StageDecide, err)
	}

	outcome := decision.Outcome(res.Outcome)
	switch outcome {
	case decision.Approved, decision.Rejected, decision.NeedsReview:
	default:
		return decision.ModelVerdict{}, fail(store.StageDecide, ClassParseFailed,
			"model returned unknown outcome %q", res.Outcome)
	}
	return decision.ModelVerdict{
		Outcome:       outcome,
		Confidence:    res.Confidence,
		Reasoning:     res.Reasoning,
		BenefitAmount: res.BenefitAmount,
	}, nil
}
