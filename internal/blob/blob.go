// Package blob defines the content store contract. A blob store maps
// an opaque content key to bytes on a physical medium and never
// interprets file contents.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/justfiles/justfiles/internal/sandbox"
)

// Store is the contract for content backends (local filesystem, S3).
type Store interface {
	// Put writes the body under a freshly generated key rooted in the
	// account's sandbox and returns the key and byte count.
	Put(ctx context.Context, accountID, name string, body io.Reader) (key string, size int64, err error)

	// Get streams the object. Missing content fails with
	// fault.ErrPhysicalMissing wrapped, so callers can distinguish
	// metadata/blob drift from a plain missing item.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes the object; fault.ErrNotFound when absent.
	Delete(ctx context.Context, key string) error

	// DeleteAccount removes the account's entire physical subtree.
	// Idempotent: re-running after a partial purge is safe.
	DeleteAccount(ctx context.Context, accountID string) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// FreeSpacer is implemented by backends that can report free capacity
// on their physical medium.
type FreeSpacer interface {
	FreeBytes() (uint64, error)
}

// NewKey derives a physical location from the account and a generated
// unique suffix, so concurrent writes under one account never collide.
func NewKey(accountID, name string) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s/%d-%s-%s",
		sandbox.CleanName(accountID), time.Now().UnixMilli(), suffix, sandbox.CleanName(name))
}
