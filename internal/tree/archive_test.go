package tree

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
)

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = string(b)
	}
	return out
}

func TestPlanArchiveFileRoot(t *testing.T) {
	f := newFixture(t)
	file := f.file(t, item.RootParent, "not-a-folder.txt", item.VisibilityPrivate, []byte("x"))

	_, err := f.op.PlanArchive(context.Background(), file, testOwner)
	if !errors.Is(err, item.ErrNotFolder) {
		t.Errorf("PlanArchive(file) = %v, want ErrNotFolder", err)
	}
}

func TestPlanArchiveEmpty(t *testing.T) {
	f := newFixture(t)
	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	f.folder(t, top.ID, item.VisibilityPrivate)

	_, err := f.op.PlanArchive(context.Background(), top, testOwner)
	if !errors.Is(err, fault.ErrEmptyArchive) {
		t.Errorf("PlanArchive(empty) = %v, want ErrEmptyArchive", err)
	}
}

func TestPlanArchivePrivateRootNonOwner(t *testing.T) {
	f := newFixture(t)
	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	f.file(t, top.ID, "a.txt", item.VisibilityPublic, []byte("a"))

	_, err := f.op.PlanArchive(context.Background(), top, "")
	if !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("anonymous plan of private folder = %v, want ErrForbidden", err)
	}
}

func TestPlanArchiveVisibilityFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPublic)
	f.file(t, top.ID, "public.txt", item.VisibilityPublic, []byte("pub"))
	f.file(t, top.ID, "secret.txt", item.VisibilityPrivate, []byte("sec"))
	hidden := f.folder(t, top.ID, item.VisibilityPrivate)
	f.file(t, hidden.ID, "inside.txt", item.VisibilityPublic, []byte("in"))

	// The owner sees everything.
	ownerPlan, err := f.op.PlanArchive(ctx, top, testOwner)
	if err != nil {
		t.Fatalf("owner PlanArchive: %v", err)
	}
	if ownerPlan.Files() != 3 {
		t.Errorf("owner plan files = %d, want 3", ownerPlan.Files())
	}

	// Anyone else sees public items only, and a private folder hides
	// its whole subtree even when items inside are public.
	guestPlan, err := f.op.PlanArchive(ctx, top, "guest")
	if err != nil {
		t.Fatalf("guest PlanArchive: %v", err)
	}
	if guestPlan.Files() != 1 {
		t.Errorf("guest plan files = %d, want 1", guestPlan.Files())
	}
}

func TestWriteArchiveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	sub := f.folder(t, top.ID, item.VisibilityPrivate)
	f.file(t, top.ID, "a.txt", item.VisibilityPrivate, []byte("alpha"))
	f.file(t, sub.ID, "b.txt", item.VisibilityPrivate, []byte("beta"))

	plan, err := f.op.PlanArchive(ctx, top, testOwner)
	if err != nil {
		t.Fatalf("PlanArchive: %v", err)
	}

	var buf bytes.Buffer
	if err := f.op.WriteArchive(ctx, &buf, plan); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	entries := readZip(t, buf.Bytes())
	if got := entries["a.txt"]; got != "alpha" {
		t.Errorf("a.txt = %q, want alpha", got)
	}
	if got := entries[sub.Name+"/b.txt"]; got != "beta" {
		t.Errorf("%s/b.txt = %q, want beta", sub.Name, got)
	}
	if _, ok := entries[sub.Name+"/"]; !ok {
		t.Errorf("directory entry %s/ missing", sub.Name)
	}
}

func TestWriteArchiveSkipsVanishedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, item.RootParent, item.VisibilityPrivate)
	f.file(t, top.ID, "stays.txt", item.VisibilityPrivate, []byte("here"))
	gone := f.file(t, top.ID, "gone.txt", item.VisibilityPrivate, []byte("bye"))

	plan, err := f.op.PlanArchive(ctx, top, testOwner)
	if err != nil {
		t.Fatalf("PlanArchive: %v", err)
	}
	if err := f.blobs.Delete(ctx, gone.ContentKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var buf bytes.Buffer
	if err := f.op.WriteArchive(ctx, &buf, plan); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	entries := readZip(t, buf.Bytes())
	if _, ok := entries["gone.txt"]; ok {
		t.Error("vanished file still in archive")
	}
	if got := entries["stays.txt"]; got != "here" {
		t.Errorf("stays.txt = %q, want here", got)
	}
}

func TestUniquePath(t *testing.T) {
	used := map[string]int{}
	if got := uniquePath(used, "a.txt"); got != "a.txt" {
		t.Errorf("first = %q", got)
	}
	if got := uniquePath(used, "a.txt"); got != "a (1).txt" {
		t.Errorf("second = %q", got)
	}
	if got := uniquePath(used, "a.txt"); got != "a (2).txt" {
		t.Errorf("third = %q", got)
	}
	if got := uniquePath(used, "dir/file"); got != "dir/file" {
		t.Errorf("no-ext first = %q", got)
	}
	if got := uniquePath(used, "dir/file"); got != "dir/file (1)" {
		t.Errorf("no-ext second = %q", got)
	}
}
