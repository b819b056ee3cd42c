// Copyright 2025 CAP Agent Project
//
// Package audit implements the forward-linked, hash-chained append-only
// event log (C2). Each event commits to the digest of the one before it;
// verification walks the chain and reports the index of the first break.
//
// Grounded on the teacher's pkg/ledger package: a small KV-shaped storage
// seam (here, Store) owned exclusively by one Log instance, with every
// mutating call serialized by a mutex, matching the "per-file or per-DB
// mutex" guidance in spec.md §5.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/capagent/cap-agent/capcrypto"
)

// Event is a single audit record. Digest commits to every preceding field.
type Event struct {
	Seq        uint64          `json:"seq"`
	TS         time.Time       `json:"ts"`
	Event      string          `json:"event"`
	Details    json.RawMessage `json:"details"`
	PrevDigest string          `json:"prev_digest"`
	Digest     string          `json:"digest"`
}

// Tail identifies the head of the chain: the next sequence number to use
// and the digest a new event's prev_digest must equal.
type Tail struct {
	NextSeq    uint64
	LastDigest string
}

// Store is the append-only persistence seam a Log writes through. This
// package ships two implementations, JSONLStore (a file) and MemoryStore;
// Log only calls Append, Scan and Len, so it is storage-agnostic.
type Store interface {
	// Append persists ev as the new last event. Implementations must be
	// atomic: either ev is durably the new tail, or the store is
	// unchanged.
	Append(ev Event) error
	// Scan calls fn for every event in seq order, starting from the
	// beginning. fn returning an error stops the scan and returns that
	// error from Scan.
	Scan(fn func(Event) error) error
	// Len returns the number of events currently stored.
	Len() (int, error)
}

// ErrChainBreak is returned by Verify when an event's prev_digest does not
// match the digest of the event before it.
var ErrChainBreak = errors.New("audit: chain break")

// ErrOutOfOrder is returned by Append if the store's next sequence number
// does not match what was expected (defensive; Log computes seq itself, so
// this only fires if something else wrote to the store concurrently).
var ErrOutOfOrder = errors.New("audit: out-of-order append")

// The constants below are the set of event kinds the core itself emits (§6).
// New kinds extend this set; none is ever renamed or removed. External
// callers may append additional event kinds of their own; Log does not
// reject unknown kinds, it only documents the ones the core uses.
const (
	EventCommitmentComputed        = "commitment_computed"
	EventMerkleRootComputed        = "merkle_root_computed"
	EventPolicyLoaded              = "policy_loaded"
	EventPolicyValidated           = "policy_validated"
	EventManifestBuilt             = "manifest_built"
	EventManifestSigned            = "manifest_signed"
	EventProofGenerated            = "proof_generated"
	EventProofVerified             = "proof_verified"
	EventRegistryEntryAdded        = "registry_entry_added"
	EventRegistryVerified          = "registry_verified"
	EventTimestampGenerated        = "timestamp_generated"
	EventTimestampVerified         = "timestamp_verified"
	EventPrivateAnchorSet          = "private_anchor_set"
	EventPublicAnchorSet           = "public_anchor_set"
	EventSanctionsRootGenerated    = "sanctions_root_generated"
	EventJurisdictionsRootGenerated = "jurisdictions_root_generated"
	EventSanctionsCheckExecuted    = "sanctions_check_executed"
	EventBlobPut                   = "blob_put"
	EventBlobGC                    = "blob_gc"
	EventSelfVerifyExecuted        = "self_verify_executed"
)

// Log is a single audit log instance, owned exclusively within one process.
type Log struct {
	mu    sync.Mutex
	store Store
}

// New wraps store in a Log. The caller retains ownership of store's
// lifecycle (e.g. closing the underlying file or DB handle).
func New(store Store) *Log {
	return &Log{store: store}
}

// Append adds a new event with the given kind and details, filling in seq,
// ts, prev_digest, and digest. ts is supplied by the caller (RFC 3339 UTC)
// so the log itself never reads the wall clock, keeping it replayable in
// tests.
func (l *Log) Append(ts time.Time, kind string, details interface{}) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	detailsRaw, err := json.Marshal(details)
	if err != nil {
		return Event{}, fmt.Errorf("audit: marshal details: %w", err)
	}

	tail, err := l.tailLocked()
	if err != nil {
		return Event{}, err
	}

	n, err := l.store.Len()
	if err != nil {
		return Event{}, fmt.Errorf("audit: len: %w", err)
	}
	if uint64(n) != tail.NextSeq {
		return Event{}, fmt.Errorf("%w: store holds %d events, next seq is %d", ErrOutOfOrder, n, tail.NextSeq)
	}

	ev := Event{
		Seq:        tail.NextSeq,
		TS:         ts.UTC(),
		Event:      kind,
		Details:    detailsRaw,
		PrevDigest: tail.LastDigest,
	}
	digest, err := digestOf(ev)
	if err != nil {
		return Event{}, err
	}
	ev.Digest = digest

	if err := l.store.Append(ev); err != nil {
		return Event{}, fmt.Errorf("audit: append: %w", err)
	}
	return ev, nil
}

// Tail returns (0, zero32-hex) for an empty log, or the last event's seq+1
// and its digest otherwise.
func (l *Log) Tail() (Tail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailLocked()
}

func (l *Log) tailLocked() (Tail, error) {
	var last Event
	seen := false
	if err := l.store.Scan(func(ev Event) error {
		last = ev
		seen = true
		return nil
	}); err != nil {
		return Tail{}, fmt.Errorf("audit: scan: %w", err)
	}
	if !seen {
		zero := capcrypto.Zero32()
		return Tail{NextSeq: 0, LastDigest: capcrypto.HexEncode(zero[:])}, nil
	}
	return Tail{NextSeq: last.Seq + 1, LastDigest: last.Digest}, nil
}

// BreakError reports the index of the first chain-break found by Verify.
type BreakError struct {
	Index int
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("audit: chain break at index %d", e.Index)
}

func (e *BreakError) Unwrap() error { return ErrChainBreak }

// Verify walks the chain forward, asserting for every event i>0 that
// prev_digest_i == digest_{i-1} and that digest_i recomputes correctly.
// The first mismatch is reported as a *BreakError carrying its index;
// recovery is out of scope.
func Verify(store Store) error {
	index := 0
	var prevDigest string
	first := true

	return store.Scan(func(ev Event) error {
		defer func() { index++ }()

		wantPrev := capcrypto.HexEncode(capcrypto.Zero32()[:])
		if !first {
			wantPrev = prevDigest
		}
		if ev.PrevDigest != wantPrev {
			return &BreakError{Index: index}
		}

		gotDigest, err := digestOf(Event{
			Seq:        ev.Seq,
			TS:         ev.TS,
			Event:      ev.Event,
			Details:    ev.Details,
			PrevDigest: ev.PrevDigest,
		})
		if err != nil {
			return fmt.Errorf("audit: recompute digest at %d: %w", index, err)
		}
		if gotDigest != ev.Digest {
			return &BreakError{Index: index}
		}

		prevDigest = ev.Digest
		first = false
		return nil
	})
}

// digestOf computes D256(canonical({seq, ts, event, details, prev_digest})).
func digestOf(ev Event) (string, error) {
	payload := struct {
		Seq        uint64          `json:"seq"`
		TS         time.Time       `json:"ts"`
		Event      string          `json:"event"`
		Details    json.RawMessage `json:"details"`
		PrevDigest string          `json:"prev_digest"`
	}{ev.Seq, ev.TS, ev.Event, ev.Details, ev.PrevDigest}

	canon, err := capcrypto.CanonicalJSONOf(payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize event: %w", err)
	}
	d := capcrypto.D256(canon)
	return capcrypto.HexEncode(d[:]), nil
}
