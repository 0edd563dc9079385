// Package tree implements the operations that walk an account's
// folder hierarchy: cascading visibility changes, cascading delete,
// account purge and folder export.
package tree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/access"
	"github.com/justfiles/justfiles/internal/blob"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
	"github.com/justfiles/justfiles/internal/quota"
)

const (
	// MaxDepth bounds every traversal. A walk deeper than this means
	// corrupt parent links, not a legitimate tree.
	MaxDepth = 255

	// MaxCascadeItems is the most items one cascading operation may
	// touch, counting the root together with its descendants. It sits
	// one below the store's batch ceiling.
	MaxCascadeItems = item.MaxBatchOps - 1
)

// Operator runs hierarchy-wide operations against the metadata store,
// the blob store and the quota ledger.
type Operator struct {
	store  item.Store
	blobs  blob.Store
	ledger quota.Ledger
}

func NewOperator(store item.Store, blobs blob.Store, ledger quota.Ledger) *Operator {
	return &Operator{store: store, blobs: blobs, ledger: ledger}
}

// Descendants collects every item under root, depth-first. With
// limit > 0 the walk fails with fault.ErrBatchTooLarge as soon as the
// collected count exceeds it, so oversized subtrees are rejected
// without loading them whole.
func (o *Operator) Descendants(ctx context.Context, root *item.Item, limit int) ([]*item.Item, error) {
	if !root.IsFolder() {
		return nil, nil
	}

	type frame struct {
		id    string
		depth int
	}

	var out []*item.Item
	stack := []frame{{id: root.ID, depth: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth >= MaxDepth {
			logging.Error("traversal depth limit hit",
				zap.String("root_id", root.ID),
				zap.String("folder_id", f.id),
				zap.Int("depth", f.depth))
			return nil, fmt.Errorf("folder %s: %w", f.id, fault.ErrTreeCorruption)
		}

		children, err := o.store.ListChildren(ctx, root.OwnerID, f.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			out = append(out, child)
			if limit > 0 && len(out) > limit {
				return nil, fmt.Errorf("subtree exceeds %d items: %w", limit, fault.ErrBatchTooLarge)
			}
			if child.IsFolder() {
				stack = append(stack, frame{id: child.ID, depth: f.depth + 1})
			}
		}
	}
	return out, nil
}

// SetSubtreeVisibility sets the visibility of root and, for folders,
// every descendant, in one atomic batch. Returns the number of items
// changed. Only the owner may do this.
func (o *Operator) SetSubtreeVisibility(ctx context.Context, root *item.Item, identity string, v item.Visibility) (int, error) {
	if err := access.AssertOwner(root, identity); err != nil {
		return 0, err
	}

	// The root counts against the cascade ceiling too.
	descendants, err := o.Descendants(ctx, root, MaxCascadeItems-1)
	if err != nil {
		return 0, err
	}

	ops := make([]item.BatchOp, 0, len(descendants)+1)
	ops = append(ops, item.BatchOp{ID: root.ID, SetVisibility: &v})
	for _, d := range descendants {
		ops = append(ops, item.BatchOp{ID: d.ID, SetVisibility: &v})
	}
	if err := o.store.ApplyBatch(ctx, ops); err != nil {
		return 0, err
	}

	op := "share"
	if v == item.VisibilityPrivate {
		op = "unshare"
	}
	metrics.RecordCascade(op, len(ops))
	logging.Info("visibility cascade applied",
		zap.String("root_id", root.ID),
		zap.String("visibility", string(v)),
		zap.Int("items", len(ops)))
	return len(ops), nil
}

// DeleteSubtree deletes root and, for folders, every descendant. The
// metadata batch commits first; content removal and the quota credit
// follow, so a crash can strand blobs but never metadata.
func (o *Operator) DeleteSubtree(ctx context.Context, root *item.Item, identity string) (int, error) {
	if err := access.AssertOwner(root, identity); err != nil {
		return 0, err
	}

	descendants, err := o.Descendants(ctx, root, MaxCascadeItems-1)
	if err != nil {
		return 0, err
	}

	doomed := append([]*item.Item{root}, descendants...)
	ops := make([]item.BatchOp, 0, len(doomed))
	for _, d := range doomed {
		ops = append(ops, item.BatchOp{ID: d.ID, Delete: true})
	}
	if err := o.store.ApplyBatch(ctx, ops); err != nil {
		return 0, err
	}

	var freed int64
	for _, d := range doomed {
		if d.IsFolder() {
			continue
		}
		freed += d.Size
		if err := o.blobs.Delete(ctx, d.ContentKey); err != nil {
			if errors.Is(err, fault.ErrNotFound) {
				logging.Warn("content already missing during delete",
					zap.String("item_id", d.ID),
					zap.String("content_key", d.ContentKey))
				continue
			}
			logging.Error("content delete failed",
				zap.String("item_id", d.ID),
				zap.String("content_key", d.ContentKey),
				zap.Error(err))
		}
	}
	if freed > 0 {
		if err := o.ledger.Commit(ctx, root.OwnerID, -freed); err != nil {
			logging.Error("usage credit failed",
				zap.String("account_id", root.OwnerID),
				zap.Int64("bytes", freed),
				zap.Error(err))
		}
	}

	metrics.RecordCascade("delete", len(doomed))
	logging.Info("delete cascade applied",
		zap.String("root_id", root.ID),
		zap.Int("items", len(doomed)),
		zap.Int64("bytes_freed", freed))
	return len(doomed), nil
}

// PurgeAccount removes everything an account owns: first all metadata,
// then the physical content, then the account record itself. The
// phases are ordered so that a crash leaves orphaned blobs (harmless,
// cleaned up by re-running) rather than metadata pointing at nothing.
func (o *Operator) PurgeAccount(ctx context.Context, accountID string) error {
	items, err := o.store.ListAll(ctx, accountID)
	if err != nil {
		return fmt.Errorf("listing account items: %w", err)
	}

	for start := 0; start < len(items); start += item.MaxBatchOps {
		end := start + item.MaxBatchOps
		if end > len(items) {
			end = len(items)
		}
		ops := make([]item.BatchOp, 0, end-start)
		for _, it := range items[start:end] {
			ops = append(ops, item.BatchOp{ID: it.ID, Delete: true})
		}
		if err := o.store.ApplyBatch(ctx, ops); err != nil {
			return fmt.Errorf("deleting metadata batch: %w", err)
		}
	}
	logging.Info("purge phase one complete",
		zap.String("account_id", accountID),
		zap.Int("items", len(items)))

	if err := o.blobs.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("deleting account content: %w", err)
	}
	logging.Info("purge phase two complete", zap.String("account_id", accountID))

	if err := o.ledger.DeleteAccount(ctx, accountID); err != nil && !errors.Is(err, fault.ErrNotFound) {
		return fmt.Errorf("deleting account record: %w", err)
	}
	return nil
}
