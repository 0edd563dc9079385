package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/access"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
)

// archiveEntry pairs an item with its path inside the archive.
type archiveEntry struct {
	it   *item.Item
	path string
}

// ArchivePlan is the resolved contents of a folder export: which
// items the requester may see and where each lands in the archive.
// Planning touches metadata only; no content is read until
// WriteArchive.
type ArchivePlan struct {
	Root    *item.Item
	entries []archiveEntry
	files   int
}

// Files reports how many file entries the plan contains.
func (p *ArchivePlan) Files() int { return p.files }

// PlanArchive walks the folder and collects everything the requester
// is allowed to read. A private subfolder hides its whole subtree
// from non-owners. Fails with fault.ErrEmptyArchive when not a single
// file qualifies, and with item.ErrNotFolder when root is a file.
func (o *Operator) PlanArchive(ctx context.Context, root *item.Item, identity string) (*ArchivePlan, error) {
	if !root.IsFolder() {
		return nil, fmt.Errorf("item %s: %w", root.ID, item.ErrNotFolder)
	}
	if err := access.AssertReadable(root, identity); err != nil {
		return nil, err
	}

	type frame struct {
		id     string
		prefix string
		depth  int
	}

	plan := &ArchivePlan{Root: root}
	used := map[string]int{}
	stack := []frame{{id: root.ID, prefix: "", depth: 0}}
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
			if !access.Readable(child, identity) {
				continue
			}
			path := uniquePath(used, f.prefix+child.Name)
			plan.entries = append(plan.entries, archiveEntry{it: child, path: path})
			if child.IsFolder() {
				stack = append(stack, frame{id: child.ID, prefix: path + "/", depth: f.depth + 1})
			} else {
				plan.files++
			}
		}
	}

	if plan.files == 0 {
		return nil, fmt.Errorf("folder %s: %w", root.ID, fault.ErrEmptyArchive)
	}
	return plan, nil
}

// WriteArchive streams the planned entries as a zip archive. Content
// is read one object at a time; nothing is buffered whole. Objects
// that vanished since planning are skipped with a warning.
func (o *Operator) WriteArchive(ctx context.Context, w io.Writer, plan *ArchivePlan) error {
	zw := zip.NewWriter(w)

	for _, e := range plan.entries {
		if e.it.IsFolder() {
			hdr := &zip.FileHeader{
				Name:     e.path + "/",
				Modified: e.it.CreatedAt,
			}
			if _, err := zw.CreateHeader(hdr); err != nil {
				metrics.RecordArchiveExport(false)
				return fmt.Errorf("writing directory entry %s: %w", e.path, err)
			}
			continue
		}

		rc, _, err := o.blobs.Get(ctx, e.it.ContentKey)
		if err != nil {
			if errors.Is(err, fault.ErrPhysicalMissing) {
				logging.Warn("content missing during export",
					zap.String("item_id", e.it.ID),
					zap.String("content_key", e.it.ContentKey))
				continue
			}
			metrics.RecordArchiveExport(false)
			return fmt.Errorf("reading %s: %w", e.path, err)
		}

		hdr := &zip.FileHeader{
			Name:     e.path,
			Method:   zip.Deflate,
			Modified: e.it.CreatedAt,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			rc.Close()
			metrics.RecordArchiveExport(false)
			return fmt.Errorf("writing entry %s: %w", e.path, err)
		}
		if _, err := io.Copy(fw, rc); err != nil {
			rc.Close()
			metrics.RecordArchiveExport(false)
			return fmt.Errorf("streaming %s: %w", e.path, err)
		}
		rc.Close()
	}

	if err := zw.Close(); err != nil {
		metrics.RecordArchiveExport(false)
		return fmt.Errorf("finalizing archive: %w", err)
	}
	metrics.RecordArchiveExport(true)
	logging.Info("archive exported",
		zap.String("root_id", plan.Root.ID),
		zap.Int("files", plan.files))
	return nil
}

// uniquePath deduplicates archive paths when sibling names collide,
// numbering later occurrences the way desktop file managers do.
func uniquePath(used map[string]int, path string) string {
	n, seen := used[path]
	used[path] = n + 1
	if !seen {
		return path
	}
	ext := ""
	base := path
	if i := strings.LastIndex(path, "."); i > strings.LastIndex(path, "/") {
		base, ext = path[:i], path[i:]
	}
	for {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, taken := used[candidate]; !taken {
			used[candidate] = 1
			return candidate
		}
		n++
	}
}
