package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/trustai/fairsight/alerting"
	"github.com/trustai/fairsight/audit"
	"github.com/trustai/fairsight/config"
	"github.com/trustai/fairsight/explain"
	"github.com/trustai/fairsight/fairness"
	"github.com/trustai/fairsight/store"
	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

// Engine wires the decision store, fairness counters, alert machine and
// audit log into one governance core. Every externally visible mutation
// flows through here so the audit chain sees all of them.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	normalizer *explain.Normalizer
	fairness   *fairness.Engine
	alerts     *alerting.Machine
	audit      *audit.Log
	logger     *telemetry.Logger

	// decisionSeq maps decision id to the audit sequence of its
	// decision-recorded entry, so compensating entries can reference it.
	seqMu       sync.RWMutex
	decisionSeq map[string]int64
}

// New opens all components under dataDir and replays the audit log to
// rebuild the decision-to-sequence map.
func New(dataDir string, cfg *config.Config, logger *telemetry.Logger) (*Engine, error) {
	st, err := store.Open(filepath.Join(dataDir, "decisions.db"), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision store: %w", err)
	}

	alerts, err := alerting.Open(filepath.Join(dataDir, "alerts.db"), cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to open alert machine: %w", err)
	}

	auditLog, err := audit.Open(dataDir, logger)
	if err != nil {
		_ = st.Close()
		_ = alerts.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		store:       st,
		normalizer:  explain.NewNormalizer(cfg.TopK),
		fairness:    fairness.NewEngine(cfg.Protected(), cfg.Window.Size, cfg.Window.MinSamples),
		alerts:      alerts,
		audit:       auditLog,
		logger:      logger,
		decisionSeq: make(map[string]int64),
	}

	e.rebuildSequenceMap()

	if err := e.replayDecisions(context.Background()); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to replay decisions: %w", err)
	}

	return e, nil
}

// Close closes all components, returning the first error encountered.
func (e *Engine) Close() error {
	errStore := e.store.Close()
	errAlerts := e.alerts.Close()
	errAudit := e.audit.Close()
	if errStore != nil {
		return errStore
	}
	if errAlerts != nil {
		return errAlerts
	}
	return errAudit
}

func (e *Engine) rebuildSequenceMap() {
	for _, entry := range e.audit.Query(audit.QueryFilter{Type: audit.EventDecisionRecorded}) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(entry.Payload, &p); err != nil || p.ID == "" {
			continue
		}
		e.decisionSeq[p.ID] = entry.Sequence
	}
}

// replayDecisions re-folds persisted decisions into the fairness counters
// so window state survives a restart. Counter state is derived, never
// persisted; the decision store is the source of truth.
func (e *Engine) replayDecisions(ctx context.Context) error {
	decisions, err := e.store.List(ctx, 0)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		e.fairness.Update(ctx, d)
	}
	return nil
}

// RecordDecision validates and persists a decision, audits it, folds it
// into the fairness counters and evaluates the affected thresholds.
func (e *Engine) RecordDecision(ctx context.Context, draft types.Decision) (types.Decision, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "engine.record_decision")
	defer span.End()

	d, err := e.store.Record(ctx, draft)
	if err != nil {
		return types.Decision{}, err
	}

	entry, err := e.audit.Append(ctx, audit.EventDecisionRecorded, d)
	if err != nil {
		e.logger.LogStorageError(ctx, "audit decision", err)
		return types.Decision{}, err
	}

	e.seqMu.Lock()
	e.decisionSeq[d.ID] = entry.Sequence
	e.seqMu.Unlock()

	telemetry.DecisionsRecorded.Add(ctx, 1)
	e.logger.LogDecisionRecorded(ctx, d)

	keys := e.fairness.Update(ctx, d)
	if err := e.evaluate(ctx, keys); err != nil {
		return types.Decision{}, err
	}

	return d, nil
}

// RawAttribution is the attribution payload delivered by the explanation
// producer alongside a decision.
type RawAttribution struct {
	DecisionID string             `json:"decision_id"`
	Weights    map[string]float64 `json:"weights"`
}

// AttachExplanation normalizes an attribution vector and stores it
// against its decision. The vector must reference the decision it is
// attached to.
func (e *Engine) AttachExplanation(ctx context.Context, decisionID string, raw RawAttribution) (types.ExplanationRecord, error) {
	if raw.DecisionID != "" && raw.DecisionID != decisionID {
		return types.ExplanationRecord{}, &types.AttributionMismatchError{DecisionID: decisionID}
	}

	d, err := e.store.Get(ctx, decisionID)
	if err != nil {
		// An attribution for a decision that was never recorded is a
		// producer mismatch, not a plain missing id
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			return types.ExplanationRecord{}, &types.AttributionMismatchError{DecisionID: decisionID}
		}
		return types.ExplanationRecord{}, err
	}

	rec, err := e.normalizer.Normalize(d, raw.Weights)
	if err != nil {
		return types.ExplanationRecord{}, err
	}

	if err := e.store.PutExplanation(ctx, rec); err != nil {
		return types.ExplanationRecord{}, err
	}

	if _, err := e.appendRef(ctx, audit.EventExplanationAttached, decisionID, rec); err != nil {
		return types.ExplanationRecord{}, err
	}

	telemetry.ExplanationsNormalized.Add(ctx, 1)

	return rec, nil
}

// AttachGroundTruth records the real-world outcome for a decision and
// re-evaluates the outcome-dependent metrics.
func (e *Engine) AttachGroundTruth(ctx context.Context, decisionID string, outcome types.Outcome) (types.Decision, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "engine.attach_ground_truth")
	defer span.End()

	d, err := e.store.AttachGroundTruth(ctx, decisionID, outcome)
	if err != nil {
		return types.Decision{}, err
	}

	if _, err := e.appendRef(ctx, audit.EventGroundTruthAttached, decisionID, d); err != nil {
		return types.Decision{}, err
	}

	telemetry.GroundTruthsAttached.Add(ctx, 1)

	keys := e.fairness.Update(ctx, d)
	if err := e.evaluate(ctx, keys); err != nil {
		return types.Decision{}, err
	}

	return d, nil
}

// appendRef appends an audit entry as compensating when the decision's
// original entry is known, plain otherwise (pre-audit-log decisions).
func (e *Engine) appendRef(ctx context.Context, eventType audit.EventType, decisionID string, payload any) (audit.Entry, error) {
	e.seqMu.RLock()
	seq, ok := e.decisionSeq[decisionID]
	e.seqMu.RUnlock()

	if ok {
		return e.audit.AppendCompensating(ctx, eventType, seq, payload)
	}
	return e.audit.Append(ctx, eventType, payload)
}

// evaluate recomputes every metric touched by the given counter keys and
// feeds the snapshots through the alert machine. Under-sampled metrics
// are skipped; they simply cannot move the state machine yet.
func (e *Engine) evaluate(ctx context.Context, keys []fairness.Key) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		telemetry.EvaluationDuration.Record(ctx, time.Since(start).Seconds())
	}()

	type pair struct {
		t types.DecisionType
		a string
	}
	seen := make(map[pair]struct{}, len(keys))

	for _, key := range keys {
		p := pair{t: key.Type, a: key.Attribute}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}

		for _, name := range types.AllMetrics {
			snaps, err := e.fairness.ComputeMetric(name, key.Type, key.Attribute)
			if err != nil {
				var insufficient *types.InsufficientSampleError
				if errors.As(err, &insufficient) {
					continue
				}
				return err
			}

			for _, snap := range snaps {
				tr, err := e.alerts.Evaluate(ctx, snap)
				if err != nil {
					return err
				}
				if tr != nil && tr.Opened {
					if _, err := e.audit.Append(ctx, audit.EventMetricBreached, tr.Alert); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

// GetDecision returns a stored decision.
func (e *Engine) GetDecision(ctx context.Context, id string) (types.Decision, error) {
	return e.store.Get(ctx, id)
}

// ExplanationView is the read-side view of a decision's explanation.
type ExplanationView struct {
	Pending bool                    `json:"pending"`
	Record  types.ExplanationRecord `json:"record,omitempty"`
}

// GetExplanation returns the explanation for a decision, or a pending
// view when the producer has not delivered the attribution yet.
func (e *Engine) GetExplanation(ctx context.Context, decisionID string) (ExplanationView, error) {
	rec, found, err := e.store.GetExplanation(ctx, decisionID)
	if err != nil {
		return ExplanationView{}, err
	}
	if !found {
		return ExplanationView{Pending: true}, nil
	}
	return ExplanationView{Record: rec}, nil
}

// GetMetric computes the current value of a fairness metric.
func (e *Engine) GetMetric(ctx context.Context, name types.MetricName, decisionType types.DecisionType, attribute string) ([]types.MetricSnapshot, error) {
	return e.fairness.ComputeMetric(name, decisionType, attribute)
}

// ListOpenAlerts returns open alerts matching the filter.
func (e *Engine) ListOpenAlerts(filter alerting.Filter) []types.Alert {
	return e.alerts.ListOpen(filter)
}

// AcknowledgeAlert marks an alert acknowledged and audits the action.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID, actor string) (types.Alert, error) {
	alert, err := e.alerts.Acknowledge(ctx, alertID, actor)
	if err != nil {
		return types.Alert{}, err
	}
	if _, err := e.audit.Append(ctx, audit.EventAlertAcknowledged, alert); err != nil {
		return types.Alert{}, err
	}
	return alert, nil
}

// ResolveAlert closes an acknowledged alert and audits the resolution.
func (e *Engine) ResolveAlert(ctx context.Context, alertID, actor, note string) (types.Alert, error) {
	alert, err := e.alerts.Resolve(ctx, alertID, actor, note)
	if err != nil {
		return types.Alert{}, err
	}
	if _, err := e.audit.Append(ctx, audit.EventAlertResolved, alert); err != nil {
		return types.Alert{}, err
	}
	return alert, nil
}

// ConsentChange records a data-subject consent update in the audit log.
type ConsentChange struct {
	SubjectRef string    `json:"subject_ref"`
	Granted    bool      `json:"granted"`
	Scope      string    `json:"scope,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// RecordConsentChange audits a consent update for a data subject.
func (e *Engine) RecordConsentChange(ctx context.Context, subjectRef, scope string, granted bool, actor string) (audit.Entry, error) {
	if subjectRef == "" {
		return audit.Entry{}, &types.ValidationError{Field: "subject_ref", Reason: "subject reference cannot be empty"}
	}
	return e.audit.Append(ctx, audit.EventConsentChanged, ConsentChange{
		SubjectRef: subjectRef,
		Granted:    granted,
		Scope:      scope,
		Actor:      actor,
		ChangedAt:  time.Now().UTC(),
	})
}

// OverrideDecision records a manual reversal of a model outcome. The
// stored decision keeps its original output; the audit log gains a
// compensating entry referencing the original recording.
func (e *Engine) OverrideDecision(ctx context.Context, decisionID string, newOutcome types.Outcome, reason, actor string) (types.Decision, error) {
	d, err := e.store.Override(ctx, decisionID, newOutcome, reason, actor)
	if err != nil {
		return types.Decision{}, err
	}

	if _, err := e.appendRef(ctx, audit.EventDecisionOverridden, decisionID, d); err != nil {
		return types.Decision{}, err
	}

	return d, nil
}

// VerifyAuditChain verifies the hash chain over [from, to].
func (e *Engine) VerifyAuditChain(ctx context.Context, from, to int64) error {
	return e.audit.VerifyChain(ctx, from, to)
}

// VerifySweep verifies the whole chain and, on failure, flags the
// violation with an audit entry of its own so the incident itself is on
// the record.
func (e *Engine) VerifySweep(ctx context.Context) error {
	err := e.audit.VerifyAll(ctx)
	if err == nil {
		return nil
	}

	var integrity *types.IntegrityError
	if errors.As(err, &integrity) {
		if _, appendErr := e.audit.Append(ctx, audit.EventChainVerified, integrity); appendErr != nil {
			e.logger.LogStorageError(ctx, "flag integrity violation", appendErr)
		}
	}
	return err
}

// QueryAuditLog returns audit entries matching the filter.
func (e *Engine) QueryAuditLog(filter audit.QueryFilter) []audit.Entry {
	return e.audit.Query(filter)
}

// AuditTip returns the sequence the next audit append will receive.
func (e *Engine) AuditTip() int64 {
	return e.audit.NextSequence()
}
