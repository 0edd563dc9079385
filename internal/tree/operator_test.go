package tree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/justfiles/justfiles/internal/blob/local"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/quota"
)

const testOwner = "acct1"

type fixture struct {
	op     *Operator
	store  *item.MemoryStore
	blobs  *local.Store
	ledger *quota.MemoryLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	store := item.NewMemoryStore()
	ledger := quota.NewMemoryLedger()
	if err := ledger.CreateAccount(context.Background(), &quota.Account{
		ID:           testOwner,
		Email:        "owner@example.com",
		StorageLimit: 1 << 30,
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return &fixture{
		op:     NewOperator(store, blobs, ledger),
		store:  store,
		blobs:  blobs,
		ledger: ledger,
	}
}

func (f *fixture) folder(t *testing.T, parent string, vis item.Visibility) *item.Item {
	t.Helper()
	it := &item.Item{
		ID:         uuid.NewString(),
		OwnerID:    testOwner,
		Kind:       item.KindFolder,
		Name:       "folder-" + uuid.NewString()[:8],
		ParentID:   parent,
		Visibility: vis,
		CreatedAt:  time.Now(),
	}
	if err := f.store.Create(context.Background(), it); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	return it
}

func (f *fixture) file(t *testing.T, parent, name string, vis item.Visibility, content []byte) *item.Item {
	t.Helper()
	key, size, err := f.blobs.Put(context.Background(), testOwner, name, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("blob put: %v", err)
	}
	it := &item.Item{
		ID:         uuid.NewString(),
		OwnerID:    testOwner,
		Kind:       item.KindFile,
		Name:       name,
		ParentID:   parent,
		Visibility: vis,
		Size:       size,
		ContentKey: key,
		CreatedAt:  time.Now(),
	}
	if err := f.store.Create(context.Background(), it); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := f.ledger.Commit(context.Background(), testOwner, size); err != nil {
		t.Fatalf("commit usage: %v", err)
	}
	return it
}

func TestDescendantsCollectsSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	sub := f.folder(t, top.ID, item.VisibilityPrivate)
	f.file(t, top.ID, "a.txt", item.VisibilityPrivate, []byte("a"))
	f.file(t, sub.ID, "b.txt", item.VisibilityPrivate, []byte("b"))

	// Sibling outside the subtree must not appear.
	f.file(t, item.RootParent, "outside.txt", item.VisibilityPrivate, []byte("x"))

	got, err := f.op.Descendants(ctx, top, 0)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d descendants, want 3", len(got))
	}
}

func TestDescendantsFileRoot(t *testing.T) {
	f := newFixture(t)
	file := f.file(t, item.RootParent, "lone.txt", item.VisibilityPrivate, []byte("x"))

	got, err := f.op.Descendants(context.Background(), file, 0)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("file root produced %d descendants", len(got))
	}
}

func TestDescendantsLimit(t *testing.T) {
	f := newFixture(t)
	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	for i := 0; i < 3; i++ {
		f.file(t, top.ID, fmt.Sprintf("f%d.txt", i), item.VisibilityPrivate, []byte("x"))
	}

	_, err := f.op.Descendants(context.Background(), top, 2)
	if !errors.Is(err, fault.ErrBatchTooLarge) {
		t.Errorf("Descendants over limit = %v, want ErrBatchTooLarge", err)
	}
}

func TestDescendantsDepthLimit(t *testing.T) {
	f := newFixture(t)
	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	parent := top.ID
	for i := 0; i < MaxDepth; i++ {
		parent = f.folder(t, parent, item.VisibilityPrivate).ID
	}

	_, err := f.op.Descendants(context.Background(), top, 0)
	if !errors.Is(err, fault.ErrTreeCorruption) {
		t.Errorf("Descendants past depth limit = %v, want ErrTreeCorruption", err)
	}
}

func TestSetSubtreeVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	sub := f.folder(t, top.ID, item.VisibilityPrivate)
	leaf := f.file(t, sub.ID, "deep.txt", item.VisibilityPrivate, []byte("d"))

	n, err := f.op.SetSubtreeVisibility(ctx, top, testOwner, item.VisibilityPublic)
	if err != nil {
		t.Fatalf("SetSubtreeVisibility: %v", err)
	}
	if n != 3 {
		t.Errorf("affected = %d, want 3", n)
	}
	for _, id := range []string{top.ID, sub.ID, leaf.ID} {
		got, err := f.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if got.Visibility != item.VisibilityPublic {
			t.Errorf("item %s visibility = %s, want public", id, got.Visibility)
		}
	}
}

func TestSetSubtreeVisibilityNonOwner(t *testing.T) {
	f := newFixture(t)
	top := f.folder(t, item.RootParent, item.VisibilityPublic)

	_, err := f.op.SetSubtreeVisibility(context.Background(), top, "intruder", item.VisibilityPublic)
	if !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("non-owner cascade = %v, want ErrForbidden", err)
	}
}

// fillFolder creates n metadata-only files directly under parent.
func (f *fixture) fillFolder(t *testing.T, parent string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		it := &item.Item{
			ID:         uuid.NewString(),
			OwnerID:    testOwner,
			Kind:       item.KindFile,
			Name:       fmt.Sprintf("f%d.txt", i),
			ParentID:   parent,
			Visibility: item.VisibilityPrivate,
			Size:       1,
			ContentKey: fmt.Sprintf("%s/%d-test-f%d.txt", testOwner, i, i),
			CreatedAt:  time.Now(),
		}
		if err := f.store.Create(ctx, it); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
}

func TestSetSubtreeVisibilityCeiling(t *testing.T) {
	ctx := context.Background()

	// Root plus MaxCascadeItems-1 descendants is exactly at the
	// ceiling and commits.
	f := newFixture(t)
	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	f.fillFolder(t, top.ID, MaxCascadeItems-1)
	n, err := f.op.SetSubtreeVisibility(ctx, top, testOwner, item.VisibilityPublic)
	if err != nil {
		t.Fatalf("cascade at ceiling: %v", err)
	}
	if n != MaxCascadeItems {
		t.Errorf("affected = %d, want %d", n, MaxCascadeItems)
	}

	// One more descendant pushes the root past the ceiling.
	f = newFixture(t)
	top = f.folder(t, item.RootParent, item.VisibilityPrivate)
	f.fillFolder(t, top.ID, MaxCascadeItems)
	_, err = f.op.SetSubtreeVisibility(ctx, top, testOwner, item.VisibilityPublic)
	if !errors.Is(err, fault.ErrBatchTooLarge) {
		t.Errorf("oversized cascade = %v, want ErrBatchTooLarge", err)
	}

	// All-or-nothing: nothing may have flipped.
	got, err := f.store.Get(ctx, top.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Visibility != item.VisibilityPrivate {
		t.Error("root visibility changed despite rejected cascade")
	}
	children, err := f.store.ListChildren(ctx, testOwner, top.ID)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	for _, c := range children {
		if c.Visibility != item.VisibilityPrivate {
			t.Fatalf("child %s visibility changed despite rejected cascade", c.ID)
		}
	}
}

func TestDeleteSubtreeCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	f.fillFolder(t, top.ID, MaxCascadeItems)

	_, err := f.op.DeleteSubtree(ctx, top, testOwner)
	if !errors.Is(err, fault.ErrBatchTooLarge) {
		t.Errorf("oversized delete = %v, want ErrBatchTooLarge", err)
	}
	if _, err := f.store.Get(ctx, top.ID); err != nil {
		t.Errorf("root deleted despite rejected cascade: %v", err)
	}
}

func TestDeleteSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	sub := f.folder(t, top.ID, item.VisibilityPrivate)
	a := f.file(t, top.ID, "a.txt", item.VisibilityPrivate, []byte("aaaa"))
	b := f.file(t, sub.ID, "b.txt", item.VisibilityPrivate, []byte("bb"))
	keep := f.file(t, item.RootParent, "keep.txt", item.VisibilityPrivate, []byte("k"))

	n, err := f.op.DeleteSubtree(ctx, top, testOwner)
	if err != nil {
		t.Fatalf("DeleteSubtree: %v", err)
	}
	if n != 4 {
		t.Errorf("deleted = %d, want 4", n)
	}

	for _, id := range []string{top.ID, sub.ID, a.ID, b.ID} {
		if _, err := f.store.Get(ctx, id); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("item %s survived delete", id)
		}
	}
	if _, err := f.store.Get(ctx, keep.ID); err != nil {
		t.Errorf("sibling lost: %v", err)
	}
	for _, key := range []string{a.ContentKey, b.ContentKey} {
		if _, _, err := f.blobs.Get(ctx, key); err == nil {
			t.Errorf("content %s survived delete", key)
		}
	}

	acct, err := f.ledger.GetAccount(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.UsedSpace != keep.Size {
		t.Errorf("used space = %d, want %d", acct.UsedSpace, keep.Size)
	}
}

func TestDeleteSubtreeNonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPublic)
	f.file(t, top.ID, "a.txt", item.VisibilityPublic, []byte("a"))

	_, err := f.op.DeleteSubtree(ctx, top, "intruder")
	if !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("non-owner delete = %v, want ErrForbidden", err)
	}
	if _, err := f.store.Get(ctx, top.ID); err != nil {
		t.Errorf("folder deleted despite rejection: %v", err)
	}
}

func TestPurgeAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	var keys []string
	for i := 0; i < 5; i++ {
		it := f.file(t, top.ID, fmt.Sprintf("f%d.txt", i), item.VisibilityPrivate, []byte("data"))
		keys = append(keys, it.ContentKey)
	}

	if err := f.op.PurgeAccount(ctx, testOwner); err != nil {
		t.Fatalf("PurgeAccount: %v", err)
	}

	left, err := f.store.ListAll(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d items survived purge", len(left))
	}
	for _, key := range keys {
		if _, _, err := f.blobs.Get(ctx, key); err == nil {
			t.Errorf("content %s survived purge", key)
		}
	}
	if _, err := f.ledger.GetAccount(ctx, testOwner); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("account record survived purge: %v", err)
	}

	// Purge is idempotent.
	if err := f.op.PurgeAccount(ctx, testOwner); err != nil {
		t.Errorf("repeat PurgeAccount: %v", err)
	}
}
