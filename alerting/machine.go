package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/trustai/fairsight/config"
	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

var bucketAlerts = []byte("alerts")

// Machine evaluates fairness snapshots against configured thresholds and
// drives the alert lifecycle.
//
// Hysteresis gives every series two boundaries: the threshold itself and a
// recovery boundary one margin away on the fair side. A metric oscillating
// near the threshold therefore settles in Warning instead of flapping
// between states. Breaching always passes through Warning first.
type Machine struct {
	mu sync.Mutex

	db         *bbolt.DB
	thresholds map[types.MetricName]config.Threshold
	series     map[types.AlertKey]*seriesState
	alerts     map[string]*types.Alert
	logger     *telemetry.Logger
}

// seriesState is the tracking state for one metric series. It is distinct
// from the open Alert: tracking follows the metric, the alert waits for a
// human.
type seriesState struct {
	state       types.AlertState // normal, warning or breached
	consecutive int              // crossed evaluations since entering warning
	openAlertID string
}

// Open creates or opens the alert machine with its bbolt-backed alert
// store. Open alerts are reloaded so restarts never lose compliance state.
func Open(path string, cfg *config.Config, logger *telemetry.Logger) (*Machine, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAlerts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	thresholds := make(map[types.MetricName]config.Threshold, len(cfg.Thresholds))
	for name, th := range cfg.Thresholds {
		thresholds[types.MetricName(name)] = th
	}

	m := &Machine{
		db:         db,
		thresholds: thresholds,
		series:     make(map[types.AlertKey]*seriesState),
		alerts:     make(map[string]*types.Alert),
		logger:     logger,
	}

	if err := m.loadAlerts(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}

	return m, nil
}

// Close closes the alert store.
func (m *Machine) Close() error {
	return m.db.Close()
}

// Transition describes the outcome of one evaluation.
type Transition struct {
	Key    types.AlertKey
	From   types.AlertState
	To     types.AlertState
	Alert  *types.Alert // the open alert, when one exists after evaluation
	Opened bool         // true when this evaluation minted a new alert
}

// Evaluate folds one metric snapshot into the state machine. It returns
// nil when the metric is unmonitored, under-sampled, or nothing changed.
//
// The caller must invoke Evaluate for a given key in counter-update order;
// the machine serializes evaluations internally so two concurrent callers
// can never flip the same series from a stale read.
func (m *Machine) Evaluate(ctx context.Context, snap types.MetricSnapshot) (*Transition, error) {
	th, ok := m.thresholds[snap.Metric]
	if !ok {
		return nil, nil
	}
	if snap.SampleSize < th.MinSamples {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := types.AlertKey{Metric: snap.Metric, Type: snap.Type, Attribute: snap.Attribute, Group: snap.Group}
	s, ok := m.series[key]
	if !ok {
		s = &seriesState{state: types.AlertNormal}
		m.series[key] = s
	}

	crossed := crossedThreshold(th, snap.Value)
	beyondMargin := beyondHysteresis(th, snap.Value)
	recovered := recoveredPastMargin(th, snap.Value)

	from := s.state
	var tr *Transition
	var err error

	switch s.state {
	case types.AlertNormal:
		if crossed {
			// Early signal only; breaching always takes a second evaluation
			s.state = types.AlertWarning
			s.consecutive = 0
			m.logger.LogWarningSignal(ctx, key, snap.Value)
			tr = &Transition{Key: key, From: from, To: types.AlertWarning}
		}

	case types.AlertWarning:
		if !crossed {
			s.state = types.AlertNormal
			s.consecutive = 0
			tr = &Transition{Key: key, From: from, To: types.AlertNormal}
			break
		}
		s.consecutive++
		if beyondMargin || s.consecutive >= th.DwellCount {
			s.state = types.AlertBreached
			tr, err = m.breach(key, th, snap)
			if err != nil {
				return nil, err
			}
			telemetry.AlertsOpened.Add(ctx, 1)
		}

	case types.AlertBreached:
		if err := m.touchOpenAlert(s, snap); err != nil {
			return nil, err
		}
		if recovered {
			s.state = types.AlertNormal
			s.consecutive = 0
			tr = &Transition{Key: key, From: from, To: types.AlertNormal, Alert: m.alerts[s.openAlertID]}
		} else if !crossed {
			s.state = types.AlertWarning
			s.consecutive = 0
			tr = &Transition{Key: key, From: from, To: types.AlertWarning, Alert: m.alerts[s.openAlertID]}
		}
	}

	if tr != nil && tr.From != tr.To {
		m.logger.LogAlertTransition(ctx, key, tr.From, tr.To, snap.Value)
	}

	telemetry.OpenAlerts.Record(ctx, m.openCountLocked())

	return tr, nil
}

// breach mints a new alert for the series, unless one is already open.
// Recovery never auto-closes alerts, so a re-breach while an alert waits
// for acknowledgment only refreshes its last-observed value.
func (m *Machine) breach(key types.AlertKey, th config.Threshold, snap types.MetricSnapshot) (*Transition, error) {
	s := m.series[key]

	if s.openAlertID != "" {
		alert := m.alerts[s.openAlertID]
		alert.LastValue = snap.Value
		alert.SampleSize = snap.SampleSize
		if err := m.persistAlert(alert); err != nil {
			return nil, err
		}
		return &Transition{Key: key, From: types.AlertWarning, To: types.AlertBreached, Alert: alert}, nil
	}

	alert := &types.Alert{
		ID:          uuid.NewString(),
		Key:         key,
		State:       types.AlertBreached,
		Severity:    severityFor(th, snap.Value),
		Threshold:   th.Value,
		BreachValue: snap.Value,
		LastValue:   snap.Value,
		SampleSize:  snap.SampleSize,
		OpenedAt:    time.Now().UTC(),
	}

	if err := m.persistAlert(alert); err != nil {
		return nil, err
	}

	m.alerts[alert.ID] = alert
	s.openAlertID = alert.ID

	return &Transition{Key: key, From: types.AlertWarning, To: types.AlertBreached, Alert: alert, Opened: true}, nil
}

// touchOpenAlert refreshes the open alert's last-observed value.
func (m *Machine) touchOpenAlert(s *seriesState, snap types.MetricSnapshot) error {
	if s.openAlertID == "" {
		return nil
	}
	alert, ok := m.alerts[s.openAlertID]
	if !ok {
		return nil
	}
	alert.LastValue = snap.Value
	alert.SampleSize = snap.SampleSize
	return m.persistAlert(alert)
}

// Acknowledge marks an open alert as acknowledged by a compliance
// reviewer. Only a Breached alert can be acknowledged.
func (m *Machine) Acknowledge(ctx context.Context, alertID, actor string) (types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return types.Alert{}, &types.NotFoundError{Kind: "alert", ID: alertID}
	}
	if alert.State != types.AlertBreached {
		return types.Alert{}, &types.AlreadyResolvedError{Kind: "alert", ID: alertID}
	}

	alert.State = types.AlertAcknowledged
	alert.AcknowledgedBy = actor
	alert.AcknowledgedAt = time.Now().UTC()

	if err := m.persistAlert(alert); err != nil {
		return types.Alert{}, err
	}

	return *alert, nil
}

// Resolve closes an acknowledged alert once remediation is confirmed.
// Resolved is terminal: a later breach on the same series mints a new
// alert, never reopens this one.
func (m *Machine) Resolve(ctx context.Context, alertID, actor, note string) (types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return types.Alert{}, &types.NotFoundError{Kind: "alert", ID: alertID}
	}
	if alert.State != types.AlertAcknowledged {
		return types.Alert{}, &types.AlreadyResolvedError{Kind: "alert", ID: alertID}
	}

	alert.State = types.AlertResolved
	alert.ResolvedBy = actor
	alert.ResolvedAt = time.Now().UTC()
	alert.ResolutionNote = note

	if err := m.persistAlert(alert); err != nil {
		return types.Alert{}, err
	}

	if s, ok := m.series[alert.Key]; ok && s.openAlertID == alertID {
		s.openAlertID = ""
		s.state = types.AlertNormal
		s.consecutive = 0
	}

	telemetry.OpenAlerts.Record(ctx, m.openCountLocked())

	return *alert, nil
}

// Filter narrows ListOpen results. Zero values match everything.
type Filter struct {
	Metric    types.MetricName
	Type      types.DecisionType
	Attribute string
}

// ListOpen returns open alerts ordered by opening time, newest first.
func (m *Machine) ListOpen(filter Filter) []types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []types.Alert
	for _, alert := range m.alerts {
		if !alert.Open() {
			continue
		}
		if filter.Metric != "" && alert.Key.Metric != filter.Metric {
			continue
		}
		if filter.Type != "" && alert.Key.Type != filter.Type {
			continue
		}
		if filter.Attribute != "" && alert.Key.Attribute != filter.Attribute {
			continue
		}
		open = append(open, *alert)
	}

	sort.Slice(open, func(i, j int) bool {
		if !open[i].OpenedAt.Equal(open[j].OpenedAt) {
			return open[i].OpenedAt.After(open[j].OpenedAt)
		}
		return open[i].ID < open[j].ID
	})

	return open
}

// Get returns an alert by id.
func (m *Machine) Get(alertID string) (types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return types.Alert{}, &types.NotFoundError{Kind: "alert", ID: alertID}
	}
	return *alert, nil
}

// Helper functions

func crossedThreshold(th config.Threshold, value float64) bool {
	if th.Direction == config.BelowIsBad {
		return value < th.Value
	}
	return value > th.Value
}

func beyondHysteresis(th config.Threshold, value float64) bool {
	if th.Direction == config.BelowIsBad {
		return value < th.Value-th.Hysteresis
	}
	return value > th.Value+th.Hysteresis
}

func recoveredPastMargin(th config.Threshold, value float64) bool {
	if th.Direction == config.BelowIsBad {
		return value >= th.Value+th.Hysteresis
	}
	return value <= th.Value-th.Hysteresis
}

// severityFor grades a breach by how far past the threshold it landed,
// relative to the threshold value.
func severityFor(th config.Threshold, value float64) types.AlertSeverity {
	if th.Value == 0 {
		return types.SeverityWarning
	}

	var overshoot float64
	if th.Direction == config.BelowIsBad {
		overshoot = (th.Value - value) / th.Value
	} else {
		overshoot = (value - th.Value) / th.Value
	}

	switch {
	case overshoot >= 0.25:
		return types.SeverityCritical
	case overshoot >= 0.10:
		return types.SeverityHigh
	default:
		return types.SeverityWarning
	}
}

func (m *Machine) openCountLocked() int64 {
	var n int64
	for _, alert := range m.alerts {
		if alert.Open() {
			n++
		}
	}
	return n
}

func (m *Machine) persistAlert(alert *types.Alert) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAlerts).Put([]byte(alert.ID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to persist alert: %w", err)
	}
	return nil
}

// loadAlerts rebuilds in-memory alert and series state from disk.
func (m *Machine) loadAlerts() error {
	return m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var alert types.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return fmt.Errorf("corrupt alert record %s: %w", k, err)
			}

			m.alerts[alert.ID] = &alert
			if alert.Open() {
				m.series[alert.Key] = &seriesState{
					state:       types.AlertBreached,
					openAlertID: alert.ID,
				}
			}
			return nil
		})
	})
}
