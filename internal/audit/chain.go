// Package audit builds tamper-evident AuditRecords for every fee
// calculation and queues them for durable, ordered persistence.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cryptofunk/locatefees/internal/decimalkernel"
)

// GenesisHash is the fixed prev_hash of the first record in any
// partition's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// Record is the append-only, hash-chained unit the audit emitter
// persists for every calculation, successful or failed.
type Record struct {
	ID                   uuid.UUID                  `json:"id"`
	ClientID             string                     `json:"client_id"`
	Ticker               string                     `json:"ticker"`
	Inputs               CalculationInputs          `json:"inputs"`
	Breakdown            *decimalkernel.FeeBreakdown `json:"breakdown,omitempty"`
	SignalBundleSnapshot map[string]string           `json:"signal_bundle_snapshot,omitempty"`
	FailureReason        string                      `json:"failure_reason,omitempty"`
	PrevHash             string                      `json:"prev_hash"`
	Hash                 string                      `json:"hash"`
	EmittedAt            time.Time                   `json:"emitted_at"`
}

// CalculationInputs captures the request that produced (or failed to
// produce) a FeeBreakdown, for inclusion in the audit record.
type CalculationInputs struct {
	Ticker        string `json:"ticker"`
	PositionValue string `json:"position_value"`
	LoanDays      int    `json:"loan_days"`
	ClientID      string `json:"client_id"`
}

// canonical is the subset of Record that hashing covers: everything
// except the hash field itself (record\hash per the chain contract).
type canonical struct {
	ID                   uuid.UUID                  `json:"id"`
	ClientID             string                     `json:"client_id"`
	Ticker               string                     `json:"ticker"`
	Inputs               CalculationInputs          `json:"inputs"`
	Breakdown            *decimalkernel.FeeBreakdown `json:"breakdown,omitempty"`
	SignalBundleSnapshot map[string]string           `json:"signal_bundle_snapshot,omitempty"`
	FailureReason        string                      `json:"failure_reason,omitempty"`
	PrevHash             string                      `json:"prev_hash"`
	EmittedAt            time.Time                   `json:"emitted_at"`
}

// canonicalSerialize renders the hash-covered fields deterministically.
// encoding/json sorts struct fields in declaration order (stable for a
// fixed type), which is sufficient here since every Record shares the
// same canonical shape.
func canonicalSerialize(r *Record) ([]byte, error) {
	c := canonical{
		ID:                   r.ID,
		ClientID:             r.ClientID,
		Ticker:               r.Ticker,
		Inputs:               r.Inputs,
		Breakdown:            r.Breakdown,
		SignalBundleSnapshot: r.SignalBundleSnapshot,
		FailureReason:        r.FailureReason,
		PrevHash:             r.PrevHash,
		EmittedAt:            r.EmittedAt,
	}
	return json.Marshal(c)
}

// Seal computes r.Hash from r.PrevHash and the canonical serialization
// of r minus its hash field, and sets r.Hash. It must be called after
// PrevHash is fixed and before the record is handed to the queue.
func Seal(r *Record) error {
	body, err := canonicalSerialize(r)
	if err != nil {
		return err
	}
	h := sha256.New()
	h.Write([]byte(r.PrevHash))
	h.Write(body)
	r.Hash = hex.EncodeToString(h.Sum(nil))
	return nil
}

// Verify recomputes rec's hash against prevHash and reports whether it
// matches the stored hash, i.e. whether the record is untampered given
// its claimed predecessor.
func Verify(rec *Record, prevHash string) (bool, error) {
	want := rec.Hash
	probe := *rec
	probe.PrevHash = prevHash
	probe.Hash = ""
	if err := Seal(&probe); err != nil {
		return false, err
	}
	return probe.Hash == want, nil
}

// VerifyChain walks records in persisted order and reports the index of
// the first record whose hash does not chain from its predecessor, or
// -1 if the whole chain is intact. records must belong to one
// partition and be in persistence order.
func VerifyChain(records []*Record) (int, error) {
	prev := GenesisHash
	for i, rec := range records {
		ok, err := Verify(rec, prev)
		if err != nil {
			return i, err
		}
		if !ok {
			return i, nil
		}
		prev = rec.Hash
	}
	return -1, nil
}
