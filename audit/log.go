package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

// EventType classifies audit entries.
type EventType string

const (
	EventDecisionRecorded    EventType = "decision-recorded"
	EventExplanationAttached EventType = "explanation-attached"
	EventGroundTruthAttached EventType = "ground-truth-attached"
	EventMetricBreached      EventType = "metric-breached"
	EventAlertAcknowledged   EventType = "alert-acknowledged"
	EventAlertResolved       EventType = "alert-resolved"
	EventConsentChanged      EventType = "consent-changed"
	EventDecisionOverridden  EventType = "decision-overridden"
	EventChainVerified       EventType = "chain-verified"
)

// Entry is one immutable audit record. Hash covers every stored byte of
// the entry plus the previous entry's hash, so any mutation anywhere in
// the file breaks verification at or after the touched sequence.
type Entry struct {
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RefSeq    *int64          `json:"ref_seq,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash"`
}

const fileName = "audit.log"

// Log is an append-only, hash-chained audit log persisted as JSONL.
// Entries are never rewritten; corrections happen through compensating
// entries that reference the original sequence.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	entries []Entry
	nextSeq int64
	tipHash string
	logger  *telemetry.Logger
}

// Open opens or creates the audit log in dir, replaying any existing
// entries to restore the chain tip. Replay verifies nothing; call
// VerifyChain to check integrity.
func Open(dir string, logger *telemetry.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	path := filepath.Join(dir, fileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &Log{
		file:   file,
		writer: bufio.NewWriter(file),
		logger: logger,
	}

	if err := l.replay(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to replay audit log: %w", err)
	}

	return l, nil
}

func (l *Log) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}

	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt entry after seq %d: %w", l.nextSeq-1, err)
		}
		l.entries = append(l.entries, e)
		l.nextSeq = e.Sequence + 1
		l.tipHash = e.Hash
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if _, err := l.file.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// Append adds an entry to the chain. payload must marshal to JSON; the
// marshaled bytes are stored verbatim and covered by the hash.
func (l *Log) Append(ctx context.Context, eventType EventType, payload any) (Entry, error) {
	return l.append(ctx, eventType, nil, payload)
}

// AppendCompensating adds an entry that corrects or annotates an earlier
// one. The original entry stays in the chain untouched.
func (l *Log) AppendCompensating(ctx context.Context, eventType EventType, refSeq int64, payload any) (Entry, error) {
	l.mu.Lock()
	valid := refSeq >= 0 && refSeq < l.nextSeq
	l.mu.Unlock()
	if !valid {
		return Entry{}, &types.NotFoundError{Kind: "audit entry", ID: strconv.FormatInt(refSeq, 10)}
	}
	return l.append(ctx, eventType, &refSeq, payload)
}

func (l *Log) append(ctx context.Context, eventType EventType, refSeq *int64, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Sequence:  l.nextSeq,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RefSeq:    refSeq,
		Payload:   raw,
		PrevHash:  l.tipHash,
	}
	e.Hash = computeHash(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}

	// Remember the committed size so a failed write can be rolled back
	// instead of leaving a half-written line that poisons replay.
	info, err := l.file.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat audit log: %w", err)
	}
	committed := info.Size()

	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		l.rollback(committed)
		return Entry{}, fmt.Errorf("failed to write audit entry: %w", err)
	}
	// Flush and sync per entry: an acknowledged append must survive a crash
	if err := l.writer.Flush(); err != nil {
		l.rollback(committed)
		return Entry{}, fmt.Errorf("failed to flush audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.rollback(committed)
		return Entry{}, fmt.Errorf("failed to sync audit entry: %w", err)
	}

	l.entries = append(l.entries, e)
	l.nextSeq++
	l.tipHash = e.Hash

	telemetry.AuditAppends.Add(ctx, 1)
	telemetry.AuditSequence.Record(ctx, e.Sequence)
	l.logger.LogAuditAppend(ctx, e.Sequence, string(eventType))

	return e, nil
}

// rollback discards buffered bytes and truncates the file back to the
// last committed entry, so a failed append never leaves a partial line
// on disk. Best effort: if truncation itself fails the chain state still
// does not advance, and replay on next open reports the corrupt tail.
func (l *Log) rollback(committed int64) {
	l.writer.Reset(l.file)
	_ = l.file.Truncate(committed)
}

// computeHash derives the entry hash from every stored field plus the
// previous hash. RFC3339Nano keeps the timestamp encoding stable across
// marshal round trips.
func computeHash(e Entry) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(e.Sequence, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Type))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	if e.RefSeq != nil {
		h.Write([]byte(strconv.FormatInt(*e.RefSeq, 10)))
	}
	h.Write([]byte{'|'})
	h.Write(e.Payload)
	h.Write([]byte{'|'})
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes hashes over [from, to] and checks sequence
// density and chain linkage. It returns the first integrity violation
// found, identified by sequence number.
func (l *Log) VerifyChain(ctx context.Context, from, to int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := verifyEntries(l.entries, from, to)
	telemetry.ChainVerifications.Add(ctx, 1)
	if err == nil && to >= from {
		telemetry.LastVerifiedSequence.Record(ctx, to)
	}
	l.logger.LogChainVerified(ctx, from, to, err)
	return err
}

// VerifyAll verifies the whole chain.
func (l *Log) VerifyAll(ctx context.Context) error {
	l.mu.Lock()
	last := int64(len(l.entries)) - 1
	l.mu.Unlock()
	if last < 0 {
		return nil
	}
	return l.VerifyChain(ctx, 0, last)
}

func verifyEntries(entries []Entry, from, to int64) error {
	if from < 0 || to >= int64(len(entries)) || from > to {
		return &types.ValidationError{Field: "range", Reason: "verification range out of bounds"}
	}

	for seq := from; seq <= to; seq++ {
		e := entries[seq]
		if e.Sequence != seq {
			return &types.IntegrityError{Seq: seq, Reason: "sequence gap or reorder"}
		}

		var wantPrev string
		if seq > 0 {
			wantPrev = entries[seq-1].Hash
		}
		if e.PrevHash != wantPrev {
			return &types.IntegrityError{Seq: seq, Reason: "previous-hash link broken"}
		}

		if computeHash(e) != e.Hash {
			return &types.IntegrityError{Seq: seq, Reason: "entry hash mismatch"}
		}
	}
	return nil
}

// NextSequence returns the sequence the next append will receive.
func (l *Log) NextSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// QueryFilter narrows Query results. Zero values match everything.
type QueryFilter struct {
	Type    EventType
	FromSeq int64
	ToSeq   int64 // inclusive; 0 means no upper bound
	After   time.Time
	Before  time.Time
}

// Query returns entries matching the filter, in sequence order.
func (l *Log) Query(filter QueryFilter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.Sequence < filter.FromSeq {
			continue
		}
		if filter.ToSeq > 0 && e.Sequence > filter.ToSeq {
			break
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.After.IsZero() && e.Timestamp.Before(filter.After) {
			continue
		}
		if !filter.Before.IsZero() && !e.Timestamp.Before(filter.Before) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Get returns the entry at seq.
func (l *Log) Get(seq int64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq < 0 || seq >= int64(len(l.entries)) {
		return Entry{}, &types.NotFoundError{Kind: "audit entry", ID: strconv.FormatInt(seq, 10)}
	}
	return l.entries[seq], nil
}

// VerifyFile verifies an audit log file on disk without opening it for
// writing, for offline verification of archived logs.
func VerifyFile(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var entries []Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return int64(len(entries)), &types.IntegrityError{
				Seq:    int64(len(entries)),
				Reason: "unparseable entry",
			}
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return int64(len(entries)), err
	}

	if len(entries) == 0 {
		return 0, nil
	}
	if err := verifyEntries(entries, 0, int64(len(entries))-1); err != nil {
		return int64(len(entries)), err
	}
	return int64(len(entries)), nil
}
