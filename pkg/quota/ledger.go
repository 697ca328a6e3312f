// Package quota tracks stored bytes per owner against a ceiling.
//
// Writers reserve before writing, commit on success and release on failure.
// Reservations expire so a crashed writer cannot hold budget forever.
package quota

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQuotaExceeded      = errors.New("quota: ceiling exceeded")
	ErrReservationExpired = errors.New("quota: reservation expired or unknown")
	ErrInvalidAmount      = errors.New("quota: amount must not be negative")
)

// DefaultReservationTTL bounds how long an uncommitted reservation holds budget.
const DefaultReservationTTL = 30 * time.Minute

// Reservation is budget held for one in-flight write.
type Reservation struct {
	ID      string
	OwnerID string
	Bytes   int64
}

// Usage is an owner's ledger state.
type Usage struct {
	Used     int64 `json:"usedBytes"`
	Reserved int64 `json:"reservedBytes"`
}

// Ledger is the single source of truth for bytes used. All operations for
// one owner are serialized; different owners never contend.
type Ledger interface {
	// Reserve holds n bytes if used+reserved+n stays within ceiling. A
	// ceiling of zero or less means unlimited.
	Reserve(ctx context.Context, ownerID string, n, ceiling int64) (*Reservation, error)
	// Commit converts a reservation into used bytes.
	Commit(ctx context.Context, res *Reservation) error
	Release(ctx context.Context, res *Reservation) error
	// Free returns n committed bytes, clamping usage at zero.
	Free(ctx context.Context, ownerID string, n int64) error
	Usage(ctx context.Context, ownerID string) (Usage, error)
	// Set overwrites committed usage, used by reconciliation.
	Set(ctx context.Context, ownerID string, used int64) error
}
