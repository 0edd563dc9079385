package item

import (
	"context"

	"github.com/justfiles/justfiles/internal/events"
)

// MaxBatchOps is the largest batch the store commits atomically. The
// cascading operations in the tree package keep one slot in reserve
// for their root, hence their own 499-item ceiling.
const MaxBatchOps = 500

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Name       *string
	ParentID   *string
	Visibility *Visibility
}

// BatchOp is one operation inside an atomic batch. Exactly one of
// SetVisibility or Delete must be set.
type BatchOp struct {
	ID            string
	SetVisibility *Visibility
	Delete        bool
}

// Store is the metadata store over the per-account forest.
//
// All queries are scoped by account; cross-account listing is never
// permitted by any caller. Result ordering is unspecified: folders-
// before-files sorting, if wanted, belongs to a presentation layer.
type Store interface {
	// Create validates the parent invariant (existing folder, same
	// account) and assigns nothing: the caller provides the ID.
	Create(ctx context.Context, it *Item) error

	// Get returns the item or fault.ErrNotFound.
	Get(ctx context.Context, id string) (*Item, error)

	// ListChildren returns the items directly under parentID.
	ListChildren(ctx context.Context, accountID, parentID string) ([]*Item, error)

	// ListAll returns every item owned by the account.
	ListAll(ctx context.Context, accountID string) ([]*Item, error)

	// Update applies a partial update to one item.
	Update(ctx context.Context, id string, p Patch) error

	// Delete removes one item. Descendants are never deleted
	// implicitly; cascading delete is a bulk operation.
	Delete(ctx context.Context, id string) error

	// ApplyBatch commits up to MaxBatchOps operations with
	// all-or-nothing semantics.
	ApplyBatch(ctx context.Context, ops []BatchOp) error

	// Subscribe returns a live stream of change events for one
	// account ("" for all). The returned cancel func must be called.
	Subscribe(accountID string) (ch chan events.Event, cancel func())
}
