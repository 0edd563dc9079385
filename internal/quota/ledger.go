// Package quota provides per-account storage accounting and the
// token-bucket rate limiter used by the HTTP layer.
package quota

import (
	"context"
	"time"
)

// Account carries the quota state for one owner.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	UsedSpace    int64     `json:"usedSpace"`
	StorageLimit int64     `json:"storageLimit"`
	Blocked      bool      `json:"blocked"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Ledger tracks the cached used-space counter per account.
//
// UsedSpace is a cached aggregate, not a live sum over descendants.
// Admit and Commit are two independent steps: concurrent uploads can
// both pass Admit against the same remaining quota before either
// commits. That transient over-admission is a documented relaxation;
// Commit itself is a single atomic adjustment, so the counter never
// drifts, it only lags.
type Ledger interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// SetLimit updates the storage limit (admin operation).
	SetLimit(ctx context.Context, id string, limit int64) error

	// SetBlocked flips the account's blocked flag.
	SetBlocked(ctx context.Context, id string, blocked bool) error

	// Admit checks whether candidateBytes more would fit. It must be
	// evaluated, and found ok, strictly before any blob write for the
	// account is durably committed. Returns fault.ErrQuotaExceeded or
	// fault.ErrForbidden (blocked account).
	Admit(ctx context.Context, id string, candidateBytes int64) error

	// Commit adjusts used space by delta, floored at zero. Applied
	// exactly once per completed content mutation.
	Commit(ctx context.Context, id string, delta int64) error

	// ResetUsage zeroes the counter, used by account purge.
	ResetUsage(ctx context.Context, id string) error
}
