// Package decision implements the eligibility decision policy: the
// deterministic numeric rule set and the fusion of that rule with the
// verdict returned by the upstream decision model.
//
// Everything here is a pure function of its inputs so the policy can
// be exercised by both the decision stage executor (fallback path) and
// the workflow engine (terminal transition), and verified in isolation.
package decision

// Outcome is the terminal verdict for an application.
type Outcome string

const (
	Approved    Outcome = "APPROVED"
	Rejected    Outcome = "REJECTED"
	NeedsReview Outcome = "NEEDS_REVIEW"
)

// ReasonInsufficientData is the canonical reasoning string used when
// neither the model nor the numeric rule has enough input to decide.
const ReasonInsufficientData = "insufficient_data"

// Thresholds are the business-rule knobs. Zero values are replaced by
// Defaults before evaluation.
type Thresholds struct {
	// IncomeMax is the monthly income at or below which the numeric
	// rule approves (given the balance also qualifies).
	IncomeMax float64

	// BalanceMax is the closing balance at or below which the numeric
	// rule approves.
	BalanceMax float64

	// BenefitCap bounds the rule-based benefit amount.
	BenefitCap int64

	// ConfidenceMin is the model confidence at or below which the
	// verdict is downgraded to NeedsReview. The comparison is
	// inclusive: exactly ConfidenceMin still needs review.
	ConfidenceMin float64

	// AutoApproveMin is the model confidence at or above which an
	// Approved/Rejected model verdict is accepted verbatim (unless the
	// numeric rule disagrees with sufficient data).
	AutoApproveMin float64
}

// Defaults returns the production threshold values.
func Defaults() Thresholds {
	return Thresholds{
		IncomeMax:      4000,
		BalanceMax:     1500,
		BenefitCap:     2500,
		ConfidenceMin:  0.7,
		AutoApproveMin: 0.8,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := Defaults()
	if t.IncomeMax == 0 {
		t.IncomeMax = d.IncomeMax
	}
	if t.BalanceMax == 0 {
		t.BalanceMax = d.BalanceMax
	}
	if t.BenefitCap == 0 {
		t.BenefitCap = d.BenefitCap
	}
	if t.ConfidenceMin == 0 {
		t.ConfidenceMin = d.ConfidenceMin
	}
	if t.AutoApproveMin == 0 {
		t.AutoApproveMin = d.AutoApproveMin
	}
	return t
}

// Inputs are the numeric fields available to the rule set. Either may
// be absent when the corresponding document failed a stage
// (partial-success mode).
type Inputs struct {
	MonthlyIncome  *float64
	ClosingBalance *float64
}

// RuleResult is the outcome of the deterministic rule set.
type RuleResult struct {
	Outcome Outcome

	// BenefitAmount is set only when Outcome is Approved.
	BenefitAmount *int64

	// Sufficient reports whether the rule had enough inputs to produce
	// a meaningful verdict. When false, Outcome is NeedsReview.
	Sufficient bool
}

// ModelVerdict is the upstream decision model's answer.
type ModelVerdict struct {
	Outcome       Outcome
	Confidence    float64
	Reasoning     string
	BenefitAmount *int64
}

// Verdict is the fused, final decision.
type Verdict struct {
	Outcome       Outcome
	Confidence    float64
	Reasoning     string
	BenefitAmount *int64

	// Disagreement is set when the numeric rule overrode a
	// high-confidence model verdict; it is journaled on the
	// WorkflowStep payload for audit.
	Disagreement string
}

// Rule evaluates the deterministic eligibility rule set on whatever
// numeric inputs are available.
//
// With income M and balance B:
//   - M and B present, M <= IncomeMax and B <= BalanceMax: approved,
//     benefit = min(BenefitCap, IncomeMax - M + 500).
//   - M present, M > IncomeMax: rejected.
//   - anything else: insufficient, needs review.
func Rule(in Inputs, t Thresholds) RuleResult {
	t = t.withDefaults()

	if in.MonthlyIncome != nil && *in.MonthlyIncome > t.IncomeMax {
		return RuleResult{Outcome: Rejected, Sufficient: true}
	}
	if in.MonthlyIncome != nil && in.ClosingBalance != nil {
		if *in.MonthlyIncome <= t.IncomeMax && *in.ClosingBalance <= t.BalanceMax {
			amount := int64(t.IncomeMax - *in.MonthlyIncome + 500)
			if amount > t.BenefitCap {
				amount = t.BenefitCap
			}
			if amount < 0 {
				amount = 0
			}
			return RuleResult{Outcome: Approved, BenefitAmount: &amount, Sufficient: true}
		}
		// Both present but balance disqualifies while income alone
		// does not reject: leave to the model or manual review.
		return RuleResult{Outcome: NeedsReview, Sufficient: false}
	}
	return RuleResult{Outcome: NeedsReview, Sufficient: false}
}

// Fallback produces the verdict used when the upstream decision model
// is unavailable: the rule verdict if it is sufficient, otherwise
// NeedsReview with zero confidence.
func Fallback(in Inputs, t Thresholds) Verdict {
	rule := Rule(in, t)
	if rule.Sufficient {
		return Verdict{
			Outcome:       rule.Outcome,
			Confidence:    1.0,
			Reasoning:     "rule_based",
			BenefitAmount: rule.BenefitAmount,
		}
	}
	return Verdict{Outcome: NeedsReview, Confidence: 0.0, Reasoning: ReasonInsufficientData}
}

// Fuse combines the model verdict with the numeric rule per policy:
//
//   - model confidence <= ConfidenceMin: NeedsReview.
//   - model confidence >= AutoApproveMin and outcome Approved or
//     Rejected: accept the model verbatim, unless the rule disagrees
//     with sufficient data, in which case the rule wins and the
//     disagreement is recorded.
//   - otherwise (confidence between the thresholds): the rule decides
//     when sufficient, else NeedsReview.
func Fuse(model ModelVerdict, in Inputs, t Thresholds) Verdict {
	t = t.withDefaults()
	rule := Rule(in, t)

	if model.Confidence <= t.ConfidenceMin {
		if rule.Sufficient {
			return Verdict{
				Outcome:       rule.Outcome,
				Confidence:    model.Confidence,
				Reasoning:     "low_model_confidence; rule_based",
				BenefitAmount: rule.BenefitAmount,
			}
		}
		return Verdict{
			Outcome:    NeedsReview,
			Confidence: model.Confidence,
			Reasoning:  "low_model_confidence",
		}
	}

	if model.Confidence >= t.AutoApproveMin && (model.Outcome == Approved || model.Outcome == Rejected) {
		if rule.Sufficient && rule.Outcome != model.Outcome {
			return Verdict{
				Outcome:       rule.Outcome,
				Confidence:    model.Confidence,
				Reasoning:     "rule_overrides_model",
				BenefitAmount: rule.BenefitAmount,
				Disagreement:  string(model.Outcome) + " (model) vs " + string(rule.Outcome) + " (rule)",
			}
		}
		benefit := model.BenefitAmount
		if model.Outcome == Approved && benefit == nil {
			benefit = rule.BenefitAmount
		}
		if model.Outcome == Rejected {
			benefit = nil
		}
		return Verdict{
			Outcome:       model.Outcome,
			Confidence:    model.Confidence,
			Reasoning:     model.Reasoning,
			BenefitAmount: benefit,
		}
	}

	if rule.Sufficient {
		return Verdict{
			Outcome:       rule.Outcome,
			Confidence:    model.Confidence,
			Reasoning:     "rule_based",
			BenefitAmount: rule.BenefitAmount,
		}
	}
	return Verdict{Outcome: NeedsReview, Confidence: model.Confidence, Reasoning: model.Reasoning}
}
