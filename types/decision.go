package types

import (
	"fmt"
	"time"
)

// DecisionType identifies the kind of AI-assisted decision being governed.
type DecisionType string

const (
	DecisionLoanApproval   DecisionType = "loan-approval"
	DecisionCreditLimit    DecisionType = "credit-limit"
	DecisionRiskAssessment DecisionType = "risk-assessment"
	DecisionFraudDetection DecisionType = "fraud-detection"
)

// Valid reports whether t is a recognized decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionLoanApproval, DecisionCreditLimit, DecisionRiskAssessment, DecisionFraudDetection:
		return true
	}
	return false
}

// Outcome is a model verdict or a ground-truth result.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
)

// Valid reports whether o is a recognized outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeDenied
}

// ModelOutput is what the scoring producer reports for one decision.
type ModelOutput struct {
	Outcome    Outcome `json:"outcome"`
	Confidence float64 `json:"confidence"`
}

// Override records a manual reversal of a model outcome by a reviewer.
// The original model output is never rewritten; the override sits beside it.
type Override struct {
	NewOutcome Outcome   `json:"new_outcome"`
	Reason     string    `json:"reason"`
	Actor      string    `json:"actor"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Decision is the canonical record of one AI-assisted action.
//
// The protected-attribute snapshot is captured at decision time and never
// retroactively changed. Fairness analysis reflects what was known when
// the decision was made.
type Decision struct {
	ID          string            `json:"id"`
	SubjectRef  string            `json:"subject_ref"`
	Type        DecisionType      `json:"type"`
	Attributes  map[string]string `json:"attributes"`
	Output      ModelOutput       `json:"output"`
	RecordedAt  time.Time         `json:"recorded_at"`
	GroundTruth *Outcome          `json:"ground_truth,omitempty"`
	ResolvedAt  time.Time         `json:"resolved_at,omitempty"`
	Override    *Override         `json:"override,omitempty"`
}

// Validate ensures the decision draft has well-formed fields.
// Mandatory-attribute checks are configuration-driven and happen in the store.
func (d *Decision) Validate() error {
	if !d.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unrecognized decision type %q", d.Type)}
	}
	if d.SubjectRef == "" {
		return &ValidationError{Field: "subject_ref", Reason: "subject reference cannot be empty"}
	}
	if !d.Output.Outcome.Valid() {
		return &ValidationError{Field: "output.outcome", Reason: fmt.Sprintf("unrecognized outcome %q", d.Output.Outcome)}
	}
	if d.Output.Confidence < 0 || d.Output.Confidence > 1 {
		return &ValidationError{Field: "output.confidence", Reason: fmt.Sprintf("confidence %v outside [0,1]", d.Output.Confidence)}
	}
	return nil
}

// Resolved reports whether ground truth has been attached.
func (d *Decision) Resolved() bool {
	return d.GroundTruth != nil
}

// Positive reports whether the model output was the favorable outcome.
func (d *Decision) Positive() bool {
	return d.Output.Outcome == OutcomeApproved
}

// TruthPositive reports whether the resolved ground truth was favorable.
// Only meaningful when Resolved() is true.
func (d *Decision) TruthPositive() bool {
	return d.GroundTruth != nil && *d.GroundTruth == OutcomeApproved
}
