package decision

import "testing"

func f(v float64) *float64 { return &v }

func TestRuleApproves(t *testing.T) {
	res := Rule(Inputs{MonthlyIncome: f(3500), ClosingBalance: f(1200)}, Thresholds{})
	if res.Outcome != Approved || !res.Sufficient {
		t.Fatalf("got %+v, want approved/sufficient", res)
	}
	// min(2500, 4000 - 3500 + 500) = 1000
	if res.BenefitAmount == nil || *res.BenefitAmount != 1000 {
		t.Errorf("benefit = %v, want 1000", res.BenefitAmount)
	}
}

func TestRuleBenefitCapped(t *testing.T) {
	res := Rule(Inputs{MonthlyIncome: f(100), ClosingBalance: f(100)}, Thresholds{})
	if res.BenefitAmount == nil || *res.BenefitAmount != 2500 {
		t.Errorf("benefit = %v, want cap 2500", res.BenefitAmount)
	}
}

func TestRuleRejectsHighIncome(t *testing.T) {
	res := Rule(Inputs{MonthlyIncome: f(6000), ClosingBalance: f(8000)}, Thresholds{})
	if res.Outcome != Rejected || !res.Sufficient {
		t.Fatalf("got %+v, want rejected/sufficient", res)
	}
	if res.BenefitAmount != nil {
		t.Error("rejected verdict must not carry a benefit amount")
	}
	// Income alone is enough to reject.
	res = Rule(Inputs{MonthlyIncome: f(4000.01)}, Thresholds{})
	if res.Outcome != Rejected {
		t.Errorf("income-only rejection: got %s", res.Outcome)
	}
}

func TestRuleInsufficient(t *testing.T) {
	tests := []Inputs{
		{},
		{MonthlyIncome: f(3000)},
		{ClosingBalance: f(900)},
		{MonthlyIncome: f(3000), ClosingBalance: f(9000)}, // balance disqualifies, income does not reject
	}
	for i, in := range tests {
		res := Rule(in, Thresholds{})
		if res.Sufficient || res.Outcome != NeedsReview {
			t.Errorf("case %d: got %+v, want insufficient needs-review", i, res)
		}
	}
}

func TestRuleDeterministic(t *testing.T) {
	in := Inputs{MonthlyIncome: f(3500), ClosingBalance: f(1200)}
	first := Rule(in, Thresholds{})
	for i := 0; i < 10; i++ {
		again := Rule(in, Thresholds{})
		if again.Outcome != first.Outcome || *again.BenefitAmount != *first.BenefitAmount {
			t.Fatalf("rule not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestFallback(t *testing.T) {
	v := Fallback(Inputs{MonthlyIncome: f(3500), ClosingBalance: f(1200)}, Thresholds{})
	if v.Outcome != Approved || v.Reasoning != "rule_based" {
		t.Errorf("got %+v", v)
	}
	v = Fallback(Inputs{}, Thresholds{})
	if v.Outcome != NeedsReview || v.Confidence != 0.0 || v.Reasoning != ReasonInsufficientData {
		t.Errorf("got %+v, want needs-review insufficient_data", v)
	}
}

func TestFuseAcceptsHighConfidenceModel(t *testing.T) {
	amount := int64(2000)
	v := Fuse(
		ModelVerdict{Outcome: Approved, Confidence: 0.85, Reasoning: "qualifies", BenefitAmount: &amount},
		Inputs{MonthlyIncome: f(3500), ClosingBalance: f(1200)},
		Thresholds{},
	)
	if v.Outcome != Approved || v.BenefitAmount == nil || *v.BenefitAmount != 2000 {
		t.Errorf("got %+v", v)
	}
	if v.Disagreement != "" {
		t.Error("rule agrees; no disagreement expected")
	}
}

func TestFuseConfidenceExactlyAtMinimumNeedsReview(t *testing.T) {
	// The threshold is inclusive: exactly 0.7 is not enough to rely on
	// the model, and with insufficient rule inputs the verdict is review.
	v := Fuse(ModelVerdict{Outcome: Approved, Confidence: 0.7}, Inputs{}, Thresholds{})
	if v.Outcome != NeedsReview {
		t.Errorf("confidence 0.7: got %s, want NEEDS_REVIEW", v.Outcome)
	}
}

func TestFuseLowConfidenceFallsBackToRule(t *testing.T) {
	v := Fuse(
		ModelVerdict{Outcome: Rejected, Confidence: 0.3},
		Inputs{MonthlyIncome: f(3500), ClosingBalance: f(1200)},
		Thresholds{},
	)
	if v.Outcome != Approved {
		t.Errorf("got %s, want rule-based APPROVED", v.Outcome)
	}
}

func TestFuseRuleOverridesDisagreeingModel(t *testing.T) {
	v := Fuse(
		ModelVerdict{Outcome: Rejected, Confidence: 0.95},
		Inputs{MonthlyIncome: f(3500), ClosingBalance: f(1200)},
		Thresholds{},
	)
	if v.Outcome != Approved {
		t.Errorf("got %s, want rule override APPROVED", v.Outcome)
	}
	if v.Disagreement == "" {
		t.Error("disagreement must be recorded for the step payload")
	}
}

func TestFuseMidConfidenceInsufficientRule(t *testing.T) {
	v := Fuse(ModelVerdict{Outcome: Approved, Confidence: 0.75, Reasoning: "maybe"}, Inputs{}, Thresholds{})
	if v.Outcome != NeedsReview {
		t.Errorf("got %s, want NEEDS_REVIEW", v.Outcome)
	}
}

func TestFuseRejectedModelDropsBenefit(t *testing.T) {
	amount := int64(999)
	v := Fuse(
		ModelVerdict{Outcome: Rejected, Confidence: 0.9, BenefitAmount: &amount},
		Inputs{MonthlyIncome: f(6000)},
		Thresholds{},
	)
	if v.Outcome != Rejected || v.BenefitAmount != nil {
		t.Errorf("got %+v, want rejected with nil benefit", v)
	}
}
