// Package access enforces ownership and public/private visibility on
// items. An unverified request carries the empty identity, which fails
// every ownership gate.
package access

import (
	"context"
	"fmt"

	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/metrics"
)

// AssertOwner fails with fault.ErrForbidden unless identity owns the
// item.
func AssertOwner(it *item.Item, identity string) error {
	if identity == "" || it.OwnerID != identity {
		metrics.RecordForbidden()
		return fmt.Errorf("item %s owner check: %w", it.ID, fault.ErrForbidden)
	}
	return nil
}

// AssertReadable succeeds when the item is public or identity owns it.
// Visibility does not constrain ancestors: a public file under a
// private folder is still readable by reference.
func AssertReadable(it *item.Item, identity string) error {
	if it.Visibility == item.VisibilityPublic {
		return nil
	}
	return AssertOwner(it, identity)
}

// Readable is the boolean form used by traversal filters, where a
// rejection is a skip rather than an error.
func Readable(it *item.Item, identity string) bool {
	return it.Visibility == item.VisibilityPublic || (identity != "" && it.OwnerID == identity)
}

// SetVisibility toggles the public/private flag. Requires ownership.
func SetVisibility(ctx context.Context, st item.Store, it *item.Item, identity string, v item.Visibility) error {
	if err := AssertOwner(it, identity); err != nil {
		return err
	}
	return st.Update(ctx, it.ID, item.Patch{Visibility: &v})
}
