// Package item holds the per-account forest of files and folders and
// the metadata store contract over it.
package item

import (
	"errors"
	"time"
)

// Kind discriminates the two item shapes. The metadata document is a
// closed tagged union: per-kind required fields are validated at the
// store boundary, not left as an open bag of optional fields.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Visibility is the public/private flag on every item.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// RootParent is the reserved parent sentinel for top-level items.
const RootParent = "root"

// Item is a node in a per-account forest.
type Item struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Kind       Kind       `json:"kind"`
	Name       string     `json:"name"`
	ParentID   string     `json:"parentId"`
	Visibility Visibility `json:"visibility"`
	Size       int64      `json:"size,omitempty"`       // files only
	ContentKey string     `json:"contentKey,omitempty"` // files only
	CreatedAt  time.Time  `json:"createdAt"`
}

// IsFolder reports whether the item can contain children.
func (it *Item) IsFolder() bool { return it.Kind == KindFolder }

// Validation errors raised at the store boundary.
var (
	ErrNotFolder    = errors.New("parent is not a folder")
	ErrCrossAccount = errors.New("parent belongs to another account")
	ErrBadItem      = errors.New("invalid item")
)

// Validate checks the per-kind required fields.
func (it *Item) Validate() error {
	if it.OwnerID == "" || it.Name == "" || it.ParentID == "" {
		return ErrBadItem
	}
	switch it.Kind {
	case KindFile:
		if it.ContentKey == "" || it.Size < 0 {
			return ErrBadItem
		}
	case KindFolder:
		if it.ContentKey != "" || it.Size != 0 {
			return ErrBadItem
		}
	default:
		return ErrBadItem
	}
	switch it.Visibility {
	case VisibilityPrivate, VisibilityPublic:
	default:
		return ErrBadItem
	}
	return nil
}
