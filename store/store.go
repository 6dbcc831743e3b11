package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/trustai/fairsight/config"
	"github.com/trustai/fairsight/types"
)

// Bucket names in bbolt
var (
	bucketDecisions    = []byte("decisions")
	bucketExplanations = []byte("explanations")
	bucketMeta         = []byte("meta")
)

// Store is the canonical record of AI decisions and their explanations.
//
// Decisions are persisted in bbolt; a btree index keeps per-decision state
// (resolution, explanation presence) in memory for fast lookups. Id and
// timestamp assignment is atomic per decision: two decisions may be stored
// concurrently with no ordering requirement between unrelated ids.
type Store struct {
	mu sync.RWMutex

	// In-memory index for fast lookups
	index *btree.BTreeG[*decisionState]

	// On-disk storage
	db *bbolt.DB

	cfg *config.Config
}

// decisionState tracks a decision's state in the index
type decisionState struct {
	ID             string
	Type           types.DecisionType
	Resolved       bool
	HasExplanation bool
}

// Open creates or opens a decision store at the given path.
func Open(path string, cfg *config.Config) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketDecisions, bucketExplanations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		index: btree.NewG[*decisionState](32, func(a, b *decisionState) bool {
			return a.ID < b.ID
		}),
		db:  db,
		cfg: cfg,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}

	return s, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Record validates a decision draft, assigns an id and ingestion timestamp,
// and persists it. The stored copy is returned.
func (s *Store) Record(ctx context.Context, draft types.Decision) (types.Decision, error) {
	if err := draft.Validate(); err != nil {
		return types.Decision{}, err
	}
	if err := s.checkMandatoryAttributes(draft); err != nil {
		return types.Decision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft.ID = uuid.NewString()
	draft.RecordedAt = time.Now().UTC()

	if err := s.putDecision(draft); err != nil {
		return types.Decision{}, err
	}

	s.index.ReplaceOrInsert(&decisionState{ID: draft.ID, Type: draft.Type})

	return draft, nil
}

// checkMandatoryAttributes ensures the snapshot covers every attribute the
// configuration declares mandatory for the decision type.
func (s *Store) checkMandatoryAttributes(d types.Decision) error {
	for _, attr := range s.cfg.MandatoryAttributes(d.Type) {
		if _, ok := d.Attributes[attr]; !ok {
			return &types.ValidationError{
				Field:  "attributes",
				Reason: fmt.Sprintf("missing mandatory protected attribute %q", attr),
			}
		}
	}
	return nil
}

// AttachGroundTruth records the real-world outcome for a decision.
// The outcome attaches exactly once and is immutable afterwards.
func (s *Store) AttachGroundTruth(ctx context.Context, id string, outcome types.Outcome) (types.Decision, error) {
	if !outcome.Valid() {
		return types.Decision{}, &types.ValidationError{
			Field:  "outcome",
			Reason: fmt.Sprintf("unrecognized outcome %q", outcome),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, found := s.index.Get(&decisionState{ID: id})
	if !found {
		return types.Decision{}, &types.NotFoundError{Kind: "decision", ID: id}
	}
	if state.Resolved {
		return types.Decision{}, &types.AlreadyResolvedError{Kind: "decision", ID: id}
	}

	d, err := s.getDecision(id)
	if err != nil {
		return types.Decision{}, err
	}

	d.GroundTruth = &outcome
	d.ResolvedAt = time.Now().UTC()

	if err := s.putDecision(d); err != nil {
		return types.Decision{}, err
	}

	state.Resolved = true
	s.index.ReplaceOrInsert(state)

	return d, nil
}

// Override records a manual reversal of the model outcome. The original
// output and the protected-attribute snapshot are left untouched; the
// override sits beside them so fairness counters are never rewound.
func (s *Store) Override(ctx context.Context, id string, newOutcome types.Outcome, reason, actor string) (types.Decision, error) {
	if !newOutcome.Valid() {
		return types.Decision{}, &types.ValidationError{
			Field:  "new_outcome",
			Reason: fmt.Sprintf("unrecognized outcome %q", newOutcome),
		}
	}
	if reason == "" {
		return types.Decision{}, &types.ValidationError{Field: "reason", Reason: "override reason cannot be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.index.Get(&decisionState{ID: id}); !found {
		return types.Decision{}, &types.NotFoundError{Kind: "decision", ID: id}
	}

	d, err := s.getDecision(id)
	if err != nil {
		return types.Decision{}, err
	}

	d.Override = &types.Override{
		NewOutcome: newOutcome,
		Reason:     reason,
		Actor:      actor,
		AppliedAt:  time.Now().UTC(),
	}

	if err := s.putDecision(d); err != nil {
		return types.Decision{}, err
	}

	return d, nil
}

// Get returns a stored decision by id.
func (s *Store) Get(ctx context.Context, id string) (types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, found := s.index.Get(&decisionState{ID: id}); !found {
		return types.Decision{}, &types.NotFoundError{Kind: "decision", ID: id}
	}

	return s.getDecision(id)
}

// List returns up to limit decisions in id order.
func (s *Store) List(ctx context.Context, limit int) ([]types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	s.index.Ascend(func(state *decisionState) bool {
		ids = append(ids, state.ID)
		return limit <= 0 || len(ids) < limit
	})

	decisions := make([]types.Decision, 0, len(ids))
	for _, id := range ids {
		d, err := s.getDecision(id)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	return decisions, nil
}

// PutExplanation stores the normalized explanation for a decision.
func (s *Store) PutExplanation(ctx context.Context, rec types.ExplanationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, found := s.index.Get(&decisionState{ID: rec.DecisionID})
	if !found {
		return &types.NotFoundError{Kind: "decision", ID: rec.DecisionID}
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExplanations).Put([]byte(rec.DecisionID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store explanation: %w", err)
	}

	state.HasExplanation = true
	s.index.ReplaceOrInsert(state)

	return nil
}

// GetExplanation returns the explanation for a decision. found is false
// when the decision exists but no explanation has been attached yet; that
// is a pending state, not an error.
func (s *Store) GetExplanation(ctx context.Context, decisionID string) (rec types.ExplanationRecord, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.index.Get(&decisionState{ID: decisionID})
	if !ok {
		return types.ExplanationRecord{}, false, &types.NotFoundError{Kind: "decision", ID: decisionID}
	}
	if !state.HasExplanation {
		return types.ExplanationRecord{}, false, nil
	}

	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExplanations).Get([]byte(decisionID))
		if data == nil {
			return &types.NotFoundError{Kind: "explanation", ID: decisionID}
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return types.ExplanationRecord{}, false, err
	}

	return rec, true, nil
}

// Helper functions

func (s *Store) putDecision(d types.Decision) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDecisions).Put([]byte(d.ID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store decision: %w", err)
	}
	return nil
}

func (s *Store) getDecision(id string) (types.Decision, error) {
	var d types.Decision
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDecisions).Get([]byte(id))
		if data == nil {
			return &types.NotFoundError{Kind: "decision", ID: id}
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return types.Decision{}, err
	}
	return d, nil
}

// rebuildIndex scans persisted decisions and explanations so the in-memory
// index survives restarts.
func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		explanations := tx.Bucket(bucketExplanations)

		return tx.Bucket(bucketDecisions).ForEach(func(k, v []byte) error {
			var d types.Decision
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("corrupt decision record %s: %w", k, err)
			}

			s.index.ReplaceOrInsert(&decisionState{
				ID:             d.ID,
				Type:           d.Type,
				Resolved:       d.Resolved(),
				HasExplanation: explanations.Get(k) != nil,
			})
			return nil
		})
	})
}
