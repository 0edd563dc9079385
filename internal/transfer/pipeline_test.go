package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/justfiles/justfiles/internal/blob/local"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/quota"
)

const testOwner = "acct1"

type fixture struct {
	p        *Pipeline
	store    *item.MemoryStore
	blobs    *local.Store
	ledger   *quota.MemoryLedger
	blobRoot string
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	root := t.TempDir()
	blobs, err := local.New(root)
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	store := item.NewMemoryStore()
	ledger := quota.NewMemoryLedger()
	if err := ledger.CreateAccount(context.Background(), &quota.Account{
		ID:           testOwner,
		Email:        "owner@example.com",
		StorageLimit: limit,
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return &fixture{
		p:        NewPipeline(store, blobs, ledger, 0),
		store:    store,
		blobs:    blobs,
		ledger:   ledger,
		blobRoot: root,
	}
}

func (f *fixture) accountFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.blobRoot, testOwner))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	content := []byte("round trip payload")
	it, err := f.p.Upload(ctx, testOwner, item.RootParent, "notes.txt", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if it.Kind != item.KindFile || it.Name != "notes.txt" {
		t.Errorf("item = %+v", it)
	}
	if it.Visibility != item.VisibilityPrivate {
		t.Errorf("new file visibility = %s, want private", it.Visibility)
	}
	if it.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", it.Size, len(content))
	}

	acct, err := f.ledger.GetAccount(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.UsedSpace != int64(len(content)) {
		t.Errorf("used space = %d, want %d", acct.UsedSpace, len(content))
	}

	got, rc, size, err := f.p.Download(ctx, it.ID, testOwner)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	if got.ID != it.ID || size != it.Size {
		t.Errorf("download metadata mismatch: %+v size=%d", got, size)
	}
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(b, content) {
		t.Errorf("content = %q, want %q", b, content)
	}
}

func TestUploadSanitizesName(t *testing.T) {
	f := newFixture(t, 1<<20)

	it, err := f.p.Upload(context.Background(), testOwner, item.RootParent,
		"../..//etc passwd", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if it.Name == "" || it.Name[0] == '.' {
		t.Errorf("name not sanitized: %q", it.Name)
	}
	for _, c := range it.Name {
		if c == '/' || c == ' ' {
			t.Errorf("unsafe character %q in name %q", c, it.Name)
		}
	}
}

func TestUploadAnonymous(t *testing.T) {
	f := newFixture(t, 1<<20)

	_, err := f.p.Upload(context.Background(), "", item.RootParent, "x.txt", bytes.NewReader([]byte("x")))
	if !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("anonymous upload = %v, want ErrForbidden", err)
	}
}

func TestUploadQuotaExceeded(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	content := bytes.Repeat([]byte("x"), 11)
	_, err := f.p.Upload(ctx, testOwner, item.RootParent, "big.bin", bytes.NewReader(content))
	if !errors.Is(err, fault.ErrQuotaExceeded) {
		t.Fatalf("Upload over quota = %v, want ErrQuotaExceeded", err)
	}

	// Admission is checked before any write: no content, no metadata.
	if n := f.accountFiles(t); n != 0 {
		t.Errorf("%d blobs written despite quota rejection", n)
	}
	items, err := f.store.ListAll(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("%d items created despite quota rejection", len(items))
	}
}

func TestUploadAdmitsMeasuredSize(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	// Admission charges what the stream actually holds, so small
	// files keep fitting until the limit is genuinely reached.
	if _, err := f.p.Upload(ctx, testOwner, item.RootParent, "a.txt",
		bytes.NewReader(bytes.Repeat([]byte("x"), 16))); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if _, err := f.p.Upload(ctx, testOwner, item.RootParent, "b.txt",
		bytes.NewReader(bytes.Repeat([]byte("x"), 4))); err != nil {
		t.Fatalf("upload filling the limit exactly: %v", err)
	}
	_, err := f.p.Upload(ctx, testOwner, item.RootParent, "c.txt", bytes.NewReader([]byte("x")))
	if !errors.Is(err, fault.ErrQuotaExceeded) {
		t.Errorf("upload past the limit = %v, want ErrQuotaExceeded", err)
	}

	acct, err := f.ledger.GetAccount(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.UsedSpace != 20 {
		t.Errorf("used space = %d, want 20", acct.UsedSpace)
	}
}

func TestUploadBlockedAccount(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	if err := f.ledger.SetBlocked(ctx, testOwner, true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	_, err := f.p.Upload(ctx, testOwner, item.RootParent, "x.txt", bytes.NewReader([]byte("x")))
	if !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("blocked upload = %v, want ErrForbidden", err)
	}
}

func TestUploadRollsBackBlobOnBadParent(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	file, err := f.p.Upload(ctx, testOwner, item.RootParent, "parent.txt", bytes.NewReader([]byte("p")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	before := f.accountFiles(t)

	_, err = f.p.Upload(ctx, testOwner, file.ID, "child.txt", bytes.NewReader([]byte("c")))
	if !errors.Is(err, item.ErrNotFolder) {
		t.Fatalf("Upload under file = %v, want ErrNotFolder", err)
	}
	if after := f.accountFiles(t); after != before {
		t.Errorf("blob count %d after failed create, want %d", after, before)
	}

	acct, err := f.ledger.GetAccount(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.UsedSpace != file.Size {
		t.Errorf("used space = %d, want %d", acct.UsedSpace, file.Size)
	}
}

func TestUploadInsufficientStorage(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.p.minFreeDisk = math.MaxInt64 / 2

	_, err := f.p.Upload(context.Background(), testOwner, item.RootParent, "x.txt", bytes.NewReader([]byte("x")))
	if !errors.Is(err, ErrInsufficientStorage) {
		t.Errorf("Upload on full medium = %v, want ErrInsufficientStorage", err)
	}
}

func TestDownloadVisibility(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	it, err := f.p.Upload(ctx, testOwner, item.RootParent, "private.txt", bytes.NewReader([]byte("p")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if _, _, _, err := f.p.Download(ctx, it.ID, "guest"); !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("guest download of private = %v, want ErrForbidden", err)
	}
	if _, _, _, err := f.p.Download(ctx, it.ID, ""); !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("anonymous download of private = %v, want ErrForbidden", err)
	}

	vis := item.VisibilityPublic
	if err := f.store.Update(ctx, it.ID, item.Patch{Visibility: &vis}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, rc, _, err := f.p.Download(ctx, it.ID, "")
	if err != nil {
		t.Fatalf("anonymous download of public: %v", err)
	}
	rc.Close()
}

func TestDownloadFolder(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	folder, err := f.p.CreateFolder(ctx, testOwner, item.RootParent, "docs")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	_, _, _, err = f.p.Download(ctx, folder.ID, testOwner)
	if !errors.Is(err, item.ErrNotFolder) {
		t.Errorf("Download(folder) = %v, want ErrNotFolder", err)
	}
}

func TestDownloadPhysicalMissing(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	it, err := f.p.Upload(ctx, testOwner, item.RootParent, "doomed.txt", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := f.blobs.Delete(ctx, it.ContentKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, _, _, err = f.p.Download(ctx, it.ID, testOwner)
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Download with missing content = %v, want ErrNotFound", err)
	}
}

func TestCreateFolderAndUpdate(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	folder, err := f.p.CreateFolder(ctx, testOwner, item.RootParent, "docs")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	file, err := f.p.Upload(ctx, testOwner, item.RootParent, "move-me.txt", bytes.NewReader([]byte("m")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	newName := "renamed file.txt"
	updated, err := f.p.Update(ctx, file.ID, testOwner, item.Patch{Name: &newName, ParentID: &folder.ID})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "renamed_file.txt" {
		t.Errorf("name = %q, want renamed_file.txt", updated.Name)
	}
	if updated.ParentID != folder.ID {
		t.Errorf("parent = %q, want %q", updated.ParentID, folder.ID)
	}

	otherName := "sneaky.txt"
	if _, err := f.p.Update(ctx, file.ID, "guest", item.Patch{Name: &otherName}); !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("non-owner update = %v, want ErrForbidden", err)
	}
}
