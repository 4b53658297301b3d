package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// State is the update state.
type State int

// States, in the only order an update may move through them.
const (
	Idle State = iota
	Downloading
	Verifying
	Writing
	PendingReboot
	Validating
	Committed
	RolledBack
)

var stateNames = []string{
	"Idle", "Downloading", "Verifying", "Writing",
	"PendingReboot", "Validating", "Committed", "RolledBack",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active tells if an update is in flight in this boot.
func (s State) Active() bool {
	return s >= Downloading && s <= PendingReboot
}

// Cancellable tells if Cancel applies.
func (s State) Cancellable() bool {
	return s >= Downloading && s <= Writing
}

func canTransit(from, to State) bool {
	switch {
	case to == from+1 && to != RolledBack:
		return true
	case to == Idle:
		return from != Idle
	case to == Downloading:
		return from == Committed || from == RolledBack
	case to == RolledBack:
		return from == Validating
	}
	return false
}

// FailureKind classifies update failures.
type FailureKind int

// Failure kinds.
const (
	NoFailure FailureKind = iota
	Transient
	Integrity
	FatalLocal
	FatalGlobal
)

func (k FailureKind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case Integrity:
		return "Integrity"
	case FatalLocal:
		return "FatalLocal"
	case FatalGlobal:
		return "FatalGlobal"
	}
	return ""
}

// Failure is an update failure with its kind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap returns the cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Digest is a sha256 digest.
type Digest [sha256.Size]byte

// ParseDigest parses 64 hex characters.
func ParseDigest(s string) (d Digest, err error) {
	if len(s) != hex.EncodedLen(len(d)) {
		return d, fmt.Errorf("digest must be %d hex characters", hex.EncodedLen(len(d)))
	}
	_, err = hex.Decode(d[:], []byte(s))
	return
}

// DigestOf computes the digest of data.
func DigestOf(data []byte) Digest {
	return sha256.Sum256(data)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Request is an update trigger.
type Request struct {
	Version Version
	URI     string
	Size    uint64
	Digest  string
}

// TriggerResult is the immediate answer to a trigger.
type TriggerResult int

// Trigger results.
const (
	Accepted TriggerResult = iota
	NoOp
	Busy
	Rejected
)

func (r TriggerResult) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case NoOp:
		return "NoOp"
	case Busy:
		return "Busy"
	}
	return "Rejected"
}

// UpdateRecord tracks one update from trigger to retirement.
type UpdateRecord struct {
	Session string
	Target  Version
	Source  string
	Size    uint64
	Digest  Digest
	Slot    Slot
	State   State
}
