package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/metrics"
)

// MemoryCredentials is the in-memory CredentialStore, used when no
// database is configured and in tests.
type MemoryCredentials struct {
	mu      sync.RWMutex
	byID    map[string]*Credential
	byEmail map[string]string
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{
		byID:    make(map[string]*Credential),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryCredentials) Create(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[c.Email]; ok {
		return fmt.Errorf("email %s: %w", c.Email, ErrEmailTaken)
	}
	cp := *c
	m.byID[c.ID] = &cp
	m.byEmail[c.Email] = c.ID
	return nil
}

func (m *MemoryCredentials) GetByEmail(_ context.Context, email string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", email, fault.ErrNotFound)
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryCredentials) GetByID(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, fault.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryCredentials) SetPassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, fault.ErrNotFound)
	}
	c.PasswordHash = passwordHash
	return nil
}

func (m *MemoryCredentials) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, fault.ErrNotFound)
	}
	delete(m.byEmail, c.Email)
	delete(m.byID, id)
	return nil
}

func (m *MemoryCredentials) List(_ context.Context) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Credential, 0, len(m.byID))
	for _, c := range m.byID {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresCredentials is the Postgres-backed CredentialStore.
type PostgresCredentials struct {
	db *sql.DB
}

func NewPostgresCredentials(db *sql.DB) *PostgresCredentials {
	return &PostgresCredentials{db: db}
}

// EnsureSchema creates the credentials table.
func (p *PostgresCredentials) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, credentialsSchema); err != nil {
		return fmt.Errorf("credentials schema: %w", err)
	}
	return nil
}

func (p *PostgresCredentials) Create(ctx context.Context, c *Credential) error {
	start := time.Now()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO credentials (id, email, password_hash, is_admin, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Email, c.PasswordHash, c.IsAdmin, c.CreatedAt)
	metrics.RecordDBQuery("credential_create", time.Since(start))
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (p *PostgresCredentials) GetByEmail(ctx context.Context, email string) (*Credential, error) {
	start := time.Now()
	c, err := p.scanOne(p.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, is_admin, created_at
		 FROM credentials WHERE email = $1`, email))
	metrics.RecordDBQuery("credential_get_by_email", time.Since(start))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("credential %s: %w", email, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return c, nil
}

func (p *PostgresCredentials) GetByID(ctx context.Context, id string) (*Credential, error) {
	start := time.Now()
	c, err := p.scanOne(p.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, is_admin, created_at
		 FROM credentials WHERE id = $1`, id))
	metrics.RecordDBQuery("credential_get", time.Since(start))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("credential %s: %w", id, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return c, nil
}

func (p *PostgresCredentials) SetPassword(ctx context.Context, id, passwordHash string) error {
	start := time.Now()
	result, err := p.db.ExecContext(ctx,
		`UPDATE credentials SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	metrics.RecordDBQuery("credential_set_password", time.Since(start))
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

func (p *PostgresCredentials) Delete(ctx context.Context, id string) error {
	start := time.Now()
	result, err := p.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	metrics.RecordDBQuery("credential_delete", time.Since(start))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

func (p *PostgresCredentials) List(ctx context.Context) ([]*Credential, error) {
	start := time.Now()
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, email, password_hash, is_admin, created_at
		 FROM credentials ORDER BY created_at`)
	metrics.RecordDBQuery("credential_list", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.Email, &c.PasswordHash, &c.IsAdmin, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *PostgresCredentials) scanOne(row *sql.Row) (*Credential, error) {
	var c Credential
	if err := row.Scan(&c.ID, &c.Email, &c.PasswordHash, &c.IsAdmin, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
