// Package types includes important type definitions for
// slashing detection and the outcomes it produces.
package types

import (
	"fmt"

	types "github.com/prysmaticlabs/eth2-types"
)

// ChunkKind to differentiate what kind of span we are working
// with for slashing detection, either min or max span.
type ChunkKind uint8

const (
	MinSpan ChunkKind = iota
	MaxSpan
)

func (c ChunkKind) String() string {
	switch c {
	case MinSpan:
		return "minspan"
	case MaxSpan:
		return "maxspan"
	default:
		return "unknown"
	}
}

// AttestationRecord is the compact unit the protection engine checks
// and persists: a single validator's vote, reduced to its source and
// target epochs and a 32 byte fingerprint of the attested data.
type AttestationRecord struct {
	ValidatorIndex types.ValidatorIndex
	Source         types.Epoch
	Target         types.Epoch
	SigningRoot    [32]byte
}

// String implements fmt.Stringer for compact logging of records.
func (r *AttestationRecord) String() string {
	if r == nil {
		return "nil"
	}
	return fmt.Sprintf(
		"(validator=%d, source=%d, target=%d, root=%#x)",
		r.ValidatorIndex, r.Source, r.Target, r.SigningRoot,
	)
}

// SlashingKind is an enum representing the type of slashable
// offense detected for a record, useful for conditionals and logging.
type SlashingKind int

const (
	NotSlashable SlashingKind = iota
	DoubleVote
	SurroundingVote
	SurroundedVote
)

func (k SlashingKind) String() string {
	switch k {
	case NotSlashable:
		return "NOT_SLASHABLE"
	case DoubleVote:
		return "DOUBLE_VOTE"
	case SurroundingVote:
		return "SURROUNDING_VOTE"
	case SurroundedVote:
		return "SURROUNDED_VOTE"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the per-record result of slashing detection. For slashable
// kinds, PrevRecord carries the previously stored conflicting vote with
// enough information to build an on-chain slashing proof. A record that
// failed validation carries the reason in Err and is never persisted.
type Outcome struct {
	Kind       SlashingKind
	Record     *AttestationRecord
	PrevRecord *AttestationRecord
	Err        error
}

// Slashable returns true if the outcome describes a detected offense.
func (o *Outcome) Slashable() bool {
	return o.Err == nil && o.Kind != NotSlashable
}

// Rejected returns true if the record failed validation before any check.
func (o *Outcome) Rejected() bool {
	return o.Err != nil
}

// HighestAttestation is the highest source and target epoch recorded
// for a validator, used by callers answering remote protection queries.
type HighestAttestation struct {
	ValidatorIndex     types.ValidatorIndex
	HighestSourceEpoch types.Epoch
	HighestTargetEpoch types.Epoch
}
