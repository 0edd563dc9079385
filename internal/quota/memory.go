package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/metrics"
)

// MemoryLedger is an in-memory Ledger for single-node deployments and
// tests.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*Account)}
}

func (l *MemoryLedger) CreateAccount(_ context.Context, a *Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	cp := *a
	l.accounts[a.ID] = &cp
	return nil
}

func (l *MemoryLedger) GetAccount(_ context.Context, id string) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (l *MemoryLedger) DeleteAccount(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[id]; !ok {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	delete(l.accounts, id)
	return nil
}

func (l *MemoryLedger) SetLimit(_ context.Context, id string, limit int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	a.StorageLimit = limit
	return nil
}

func (l *MemoryLedger) SetBlocked(_ context.Context, id string, blocked bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	a.Blocked = blocked
	return nil
}

func (l *MemoryLedger) Admit(_ context.Context, id string, candidateBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	if a.Blocked {
		return fmt.Errorf("account %s is blocked: %w", id, fault.ErrForbidden)
	}
	if a.StorageLimit > 0 && a.UsedSpace+candidateBytes > a.StorageLimit {
		metrics.RecordQuotaRejection()
		return fmt.Errorf("account %s: %d + %d over limit %d: %w",
			id, a.UsedSpace, candidateBytes, a.StorageLimit, fault.ErrQuotaExceeded)
	}
	return nil
}

func (l *MemoryLedger) Commit(_ context.Context, id string, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	a.UsedSpace += delta
	if a.UsedSpace < 0 {
		a.UsedSpace = 0
	}
	return nil
}

func (l *MemoryLedger) ResetUsage(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	a.UsedSpace = 0
	return nil
}
