package types

import (
	"errors"
	"testing"
)

func TestDecisionValidate(t *testing.T) {
	valid := Decision{
		SubjectRef: "cust-42",
		Type:       DecisionLoanApproval,
		Attributes: map[string]string{"age-bracket": "25-34"},
		Output:     ModelOutput{Outcome: OutcomeApproved, Confidence: 0.92},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid decision failed validation: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Decision)
	}{
		{"unknown type", func(d *Decision) { d.Type = "mortgage" }},
		{"empty subject", func(d *Decision) { d.SubjectRef = "" }},
		{"unknown outcome", func(d *Decision) { d.Output.Outcome = "maybe" }},
		{"confidence too high", func(d *Decision) { d.Output.Confidence = 1.5 }},
		{"confidence negative", func(d *Decision) { d.Output.Confidence = -0.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)

			err := d.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

func TestDecisionResolution(t *testing.T) {
	d := Decision{Output: ModelOutput{Outcome: OutcomeApproved, Confidence: 0.8}}

	if d.Resolved() {
		t.Error("unresolved decision reported as resolved")
	}
	if !d.Positive() {
		t.Error("approved output not reported as positive")
	}
	if d.TruthPositive() {
		t.Error("TruthPositive must be false without ground truth")
	}

	truth := OutcomeDenied
	d.GroundTruth = &truth

	if !d.Resolved() {
		t.Error("decision with ground truth not reported as resolved")
	}
	if d.TruthPositive() {
		t.Error("denied ground truth reported as positive")
	}
}

func TestMetricNameScope(t *testing.T) {
	for _, m := range AllMetrics {
		if !m.Valid() {
			t.Errorf("metric %s should be valid", m)
		}
	}
	if MetricName("accuracy").Valid() {
		t.Error("unknown metric name should be invalid")
	}
	if MetricDisparateImpact.GroupScoped() {
		t.Error("disparate impact is attribute-wide, not group-scoped")
	}
	if !MetricDemographicParity.GroupScoped() {
		t.Error("demographic parity is group-scoped")
	}
}
