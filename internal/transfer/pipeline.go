// Package transfer implements the content pipelines: upload with
// quota admission, download with visibility checks, and the plain
// metadata mutations (folder create, rename, move).
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/access"
	"github.com/justfiles/justfiles/internal/blob"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
	"github.com/justfiles/justfiles/internal/quota"
	"github.com/justfiles/justfiles/internal/sandbox"
)

// ErrInsufficientStorage means the physical medium is too full to
// accept the upload even though the account's quota would admit it.
var ErrInsufficientStorage = errors.New("insufficient storage")

// Pipeline wires the metadata store, the blob store and the quota
// ledger into the upload and download flows.
type Pipeline struct {
	store  item.Store
	blobs  blob.Store
	ledger quota.Ledger

	// minFreeDisk is the headroom kept on the medium; uploads that
	// would eat into it are refused. Zero disables the check.
	minFreeDisk int64
}

func NewPipeline(store item.Store, blobs blob.Store, ledger quota.Ledger, minFreeDisk int64) *Pipeline {
	return &Pipeline{store: store, blobs: blobs, ledger: ledger, minFreeDisk: minFreeDisk}
}

// Upload stages the content to a spool file to learn its exact size,
// admits that size against the quota, then writes the blob and
// records the metadata. Admission happens strictly before the durable
// blob write; the spool file is scratch space, not account storage.
// The blob is rolled back when the metadata write fails.
func (p *Pipeline) Upload(ctx context.Context, identity, parentID, name string, body io.Reader) (*item.Item, error) {
	if identity == "" {
		return nil, fmt.Errorf("upload requires a signed-in account: %w", fault.ErrForbidden)
	}

	spool, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return nil, fmt.Errorf("staging content: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	staged, err := io.Copy(spool, body)
	if err != nil {
		metrics.RecordContentUpload(0, false)
		return nil, fmt.Errorf("staging content: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("staging content: %w", err)
	}

	if err := p.ledger.Admit(ctx, identity, staged); err != nil {
		return nil, err
	}
	if err := p.checkFreeDisk(staged); err != nil {
		return nil, err
	}

	key, size, err := p.blobs.Put(ctx, identity, name, spool)
	if err != nil {
		metrics.RecordContentUpload(0, false)
		return nil, fmt.Errorf("storing content: %w", err)
	}

	it := &item.Item{
		ID:         uuid.NewString(),
		OwnerID:    identity,
		Kind:       item.KindFile,
		Name:       sandbox.CleanName(name),
		ParentID:   parentID,
		Visibility: item.VisibilityPrivate,
		Size:       size,
		ContentKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.Create(ctx, it); err != nil {
		if delErr := p.blobs.Delete(ctx, key); delErr != nil {
			logging.Error("orphaned content after failed create",
				zap.String("content_key", key), zap.Error(delErr))
		}
		metrics.RecordContentUpload(0, false)
		return nil, err
	}

	if err := p.ledger.Commit(ctx, identity, size); err != nil {
		logging.Error("usage commit failed after upload",
			zap.String("account_id", identity),
			zap.Int64("bytes", size),
			zap.Error(err))
	}

	metrics.RecordContentUpload(size, true)
	logging.Info("file uploaded",
		zap.String("item_id", it.ID),
		zap.String("account_id", identity),
		zap.Int64("size", size))
	return it, nil
}

// Download returns the item and its content stream. Visibility rules
// apply: private items stream only for their owner. Metadata whose
// content has gone missing is reported as not found, with the drift
// logged loudly for the operator.
func (p *Pipeline) Download(ctx context.Context, id, identity string) (*item.Item, io.ReadCloser, int64, error) {
	it, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}
	if it.IsFolder() {
		return nil, nil, 0, fmt.Errorf("item %s: %w", id, item.ErrNotFolder)
	}
	if err := access.AssertReadable(it, identity); err != nil {
		return nil, nil, 0, err
	}

	rc, size, err := p.blobs.Get(ctx, it.ContentKey)
	if err != nil {
		metrics.RecordContentDownload(0, false)
		if errors.Is(err, fault.ErrPhysicalMissing) {
			logging.Error("metadata points at missing content",
				zap.String("item_id", it.ID),
				zap.String("content_key", it.ContentKey))
			return nil, nil, 0, fmt.Errorf("item %s: %w", id, fault.ErrNotFound)
		}
		return nil, nil, 0, err
	}

	metrics.RecordContentDownload(size, true)
	return it, rc, size, nil
}

// CreateFolder records a new empty folder under parentID.
func (p *Pipeline) CreateFolder(ctx context.Context, identity, parentID, name string) (*item.Item, error) {
	if identity == "" {
		return nil, fmt.Errorf("folder create requires a signed-in account: %w", fault.ErrForbidden)
	}
	name = sandbox.CleanName(name)

	it := &item.Item{
		ID:         uuid.NewString(),
		OwnerID:    identity,
		Kind:       item.KindFolder,
		Name:       name,
		ParentID:   parentID,
		Visibility: item.VisibilityPrivate,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.Create(ctx, it); err != nil {
		return nil, err
	}
	logging.Info("folder created",
		zap.String("item_id", it.ID),
		zap.String("account_id", identity))
	return it, nil
}

// Update applies a rename and/or move. Only the owner may mutate an
// item; names are sanitized the same way uploads are.
func (p *Pipeline) Update(ctx context.Context, id, identity string, patch item.Patch) (*item.Item, error) {
	it, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.AssertOwner(it, identity); err != nil {
		return nil, err
	}
	if patch.Name != nil {
		clean := sandbox.CleanName(*patch.Name)
		patch.Name = &clean
	}
	if err := p.store.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	return p.store.Get(ctx, id)
}

func (p *Pipeline) checkFreeDisk(candidateBytes int64) error {
	fs, ok := p.blobs.(blob.FreeSpacer)
	if !ok || p.minFreeDisk <= 0 {
		return nil
	}
	free, err := fs.FreeBytes()
	if err != nil {
		logging.Warn("free space check failed", zap.Error(err))
		return nil
	}
	if free < uint64(p.minFreeDisk+candidateBytes) {
		logging.Warn("upload refused, medium near capacity",
			zap.Uint64("free_bytes", free),
			zap.Int64("candidate_bytes", candidateBytes))
		return ErrInsufficientStorage
	}
	return nil
}
