// Package postgres provides the PostgreSQL-backed metadata store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/justfiles/justfiles/internal/events"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	parent_id   TEXT NOT NULL,
	visibility  TEXT NOT NULL DEFAULT 'private',
	size        BIGINT NOT NULL DEFAULT 0,
	content_key TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS items_owner_parent_idx ON items (owner_id, parent_id);
CREATE INDEX IF NOT EXISTS items_owner_idx ON items (owner_id);
`

// Store is a PostgreSQL item.Store.
type Store struct {
	db          *sql.DB
	broadcaster *events.Broadcaster
}

// New opens a connection pool and verifies it.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, broadcaster: events.NewBroadcaster()}, nil
}

// NewWithDB wraps an existing connection pool (shared with the quota
// ledger and credential store).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, broadcaster: events.NewBroadcaster()}
}

// DB returns the underlying pool for use by other stores.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the items table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure items schema: %w", err)
	}
	return nil
}

const itemColumns = `id, owner_id, kind, name, parent_id, visibility, size, content_key, created_at`

func scanItem(row interface{ Scan(...any) error }) (*item.Item, error) {
	var it item.Item
	err := row.Scan(&it.ID, &it.OwnerID, &it.Kind, &it.Name, &it.ParentID,
		&it.Visibility, &it.Size, &it.ContentKey, &it.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// getForUpdate fetches a row inside a transaction, locked.
func getTx(ctx context.Context, tx *sql.Tx, id string) (*item.Item, error) {
	it, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return it, nil
}

func validateParentTx(ctx context.Context, tx *sql.Tx, it *item.Item) error {
	if it.ParentID == item.RootParent {
		return nil
	}
	parent, err := getTx(ctx, tx, it.ParentID)
	if err != nil {
		return err
	}
	if !parent.IsFolder() {
		return fmt.Errorf("parent %s: %w", it.ParentID, item.ErrNotFolder)
	}
	if parent.OwnerID != it.OwnerID {
		return fmt.Errorf("parent %s: %w", it.ParentID, item.ErrCrossAccount)
	}
	return nil
}

// Create inserts a new item after validating the parent invariant.
func (s *Store) Create(ctx context.Context, it *item.Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_item", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := validateParentTx(ctx, tx, it); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO items (id, owner_id, kind, name, parent_id, visibility, size, content_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		it.ID, it.OwnerID, it.Kind, it.Name, it.ParentID, it.Visibility,
		it.Size, it.ContentKey, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.broadcaster.Publish(events.Event{
		Type:      events.EventCreate,
		ItemID:    it.ID,
		AccountID: it.OwnerID,
		ParentID:  it.ParentID,
		Name:      it.Name,
	})
	return nil
}

// Get returns the item or fault.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*item.Item, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_item", time.Since(start)) }()

	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return it, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]*item.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []*item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// ListChildren returns the items directly under parentID for one account.
func (s *Store) ListChildren(ctx context.Context, accountID, parentID string) ([]*item.Item, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_children", time.Since(start)) }()

	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE owner_id = $1 AND parent_id = $2 ORDER BY created_at, id`,
		accountID, parentID)
}

// ListAll returns every item owned by the account.
func (s *Store) ListAll(ctx context.Context, accountID string) ([]*item.Item, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_all", time.Since(start)) }()

	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE owner_id = $1 ORDER BY created_at, id`,
		accountID)
}

// Update applies a partial update. A parent change re-validates the
// parent invariant and rejects cycles.
func (s *Store) Update(ctx context.Context, id string, p item.Patch) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_item", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	it, err := getTx(ctx, tx, id)
	if err != nil {
		return err
	}

	if p.ParentID != nil && *p.ParentID != it.ParentID {
		probe := *it
		probe.ParentID = *p.ParentID
		if err := validateParentTx(ctx, tx, &probe); err != nil {
			return err
		}
		// Walk the new parent's ancestry to reject cycles.
		cur := *p.ParentID
		for cur != item.RootParent {
			if cur == id {
				return fmt.Errorf("move %s under %s: %w", id, *p.ParentID, item.ErrBadItem)
			}
			var next string
			if err := tx.QueryRowContext(ctx,
				`SELECT parent_id FROM items WHERE id = $1`, cur).Scan(&next); err != nil {
				break
			}
			cur = next
		}
		it.ParentID = *p.ParentID
	}
	if p.Name != nil {
		it.Name = *p.Name
	}
	eventType := events.EventUpdate
	if p.Visibility != nil {
		it.Visibility = *p.Visibility
		eventType = events.EventVisibility
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE items SET name = $2, parent_id = $3, visibility = $4 WHERE id = $1`,
		id, it.Name, it.ParentID, it.Visibility)
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.broadcaster.Publish(events.Event{
		Type:      eventType,
		ItemID:    it.ID,
		AccountID: it.OwnerID,
		ParentID:  it.ParentID,
		Name:      it.Name,
	})
	return nil
}

// Delete removes one item. Descendants stay untouched.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_item", time.Since(start)) }()

	it, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, fault.ErrNotFound)
	}

	s.broadcaster.Publish(events.Event{
		Type:      events.EventDelete,
		ItemID:    it.ID,
		AccountID: it.OwnerID,
		ParentID:  it.ParentID,
		Name:      it.Name,
	})
	return nil
}

// ApplyBatch commits all operations in one transaction. The metadata
// layer's batch atomicity is what keeps cascades all-or-nothing with
// respect to other readers.
func (s *Store) ApplyBatch(ctx context.Context, ops []item.BatchOp) error {
	if len(ops) > item.MaxBatchOps {
		return fmt.Errorf("%d operations: %w", len(ops), fault.ErrBatchTooLarge)
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("apply_batch", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var pending []events.Event
	for _, op := range ops {
		it, err := getTx(ctx, tx, op.ID)
		if err != nil {
			return err
		}
		switch {
		case op.Delete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, op.ID); err != nil {
				return fmt.Errorf("batch delete %s: %w", op.ID, err)
			}
			pending = append(pending, events.Event{
				Type: events.EventDelete, ItemID: it.ID, AccountID: it.OwnerID,
				ParentID: it.ParentID, Name: it.Name,
			})
		case op.SetVisibility != nil:
			if _, err := tx.ExecContext(ctx,
				`UPDATE items SET visibility = $2 WHERE id = $1`, op.ID, *op.SetVisibility); err != nil {
				return fmt.Errorf("batch visibility %s: %w", op.ID, err)
			}
			pending = append(pending, events.Event{
				Type: events.EventVisibility, ItemID: it.ID, AccountID: it.OwnerID,
				ParentID: it.ParentID, Name: it.Name,
			})
		default:
			return fmt.Errorf("empty batch op for %s: %w", op.ID, item.ErrBadItem)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	for _, e := range pending {
		s.broadcaster.Publish(e)
	}
	return nil
}

// Subscribe returns a live stream of change events.
func (s *Store) Subscribe(accountID string) (chan events.Event, func()) {
	ch := s.broadcaster.Subscribe(accountID)
	return ch, func() { s.broadcaster.Unsubscribe(ch) }
}
