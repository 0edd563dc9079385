package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/justfiles/justfiles/internal/fault"
)

func newLedger(t *testing.T, limit int64) *MemoryLedger {
	t.Helper()
	l := NewMemoryLedger()
	if err := l.CreateAccount(context.Background(), &Account{
		ID:           "acct1",
		Email:        "owner@example.com",
		StorageLimit: limit,
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return l
}

func TestAdmitWithinLimit(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	if err := l.Admit(ctx, "acct1", 100); err != nil {
		t.Errorf("Admit at exactly the limit: %v", err)
	}
	if err := l.Admit(ctx, "acct1", 101); !errors.Is(err, fault.ErrQuotaExceeded) {
		t.Errorf("Admit over limit = %v, want ErrQuotaExceeded", err)
	}
}

func TestAdmitCountsUsedSpace(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	if err := l.Commit(ctx, "acct1", 60); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Admit(ctx, "acct1", 40); err != nil {
		t.Errorf("Admit filling the limit: %v", err)
	}
	if err := l.Admit(ctx, "acct1", 41); !errors.Is(err, fault.ErrQuotaExceeded) {
		t.Errorf("Admit past remaining space = %v, want ErrQuotaExceeded", err)
	}
}

func TestAdmitUnlimited(t *testing.T) {
	l := newLedger(t, 0)

	if err := l.Admit(context.Background(), "acct1", 1<<40); err != nil {
		t.Errorf("Admit with limit 0 (unlimited): %v", err)
	}
}

func TestAdmitBlocked(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	if err := l.SetBlocked(ctx, "acct1", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	if err := l.Admit(ctx, "acct1", 1); !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("Admit on blocked account = %v, want ErrForbidden", err)
	}

	if err := l.SetBlocked(ctx, "acct1", false); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	if err := l.Admit(ctx, "acct1", 1); err != nil {
		t.Errorf("Admit after unblock: %v", err)
	}
}

func TestCommitFloorsAtZero(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	if err := l.Commit(ctx, "acct1", 30); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A double credit for the same bytes must not drive the counter
	// negative.
	l.Commit(ctx, "acct1", -30)
	l.Commit(ctx, "acct1", -30)

	acct, err := l.GetAccount(ctx, "acct1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.UsedSpace != 0 {
		t.Errorf("used space = %d, want 0", acct.UsedSpace)
	}
}

func TestResetUsage(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	l.Commit(ctx, "acct1", 70)
	if err := l.ResetUsage(ctx, "acct1"); err != nil {
		t.Fatalf("ResetUsage: %v", err)
	}
	acct, _ := l.GetAccount(ctx, "acct1")
	if acct.UsedSpace != 0 {
		t.Errorf("used space after reset = %d, want 0", acct.UsedSpace)
	}
}

func TestSetLimit(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	l.Commit(ctx, "acct1", 90)
	if err := l.SetLimit(ctx, "acct1", 50); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}

	// Shrinking below current usage blocks new admissions but does not
	// touch the counter.
	if err := l.Admit(ctx, "acct1", 1); !errors.Is(err, fault.ErrQuotaExceeded) {
		t.Errorf("Admit over shrunk limit = %v, want ErrQuotaExceeded", err)
	}
	acct, _ := l.GetAccount(ctx, "acct1")
	if acct.UsedSpace != 90 {
		t.Errorf("used space = %d, want 90", acct.UsedSpace)
	}
}

func TestUnknownAccount(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Admit(ctx, "ghost", 1); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Admit unknown = %v, want ErrNotFound", err)
	}
	if _, err := l.GetAccount(ctx, "ghost"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("GetAccount unknown = %v, want ErrNotFound", err)
	}
	if err := l.DeleteAccount(ctx, "ghost"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("DeleteAccount unknown = %v, want ErrNotFound", err)
	}
}

func TestDuplicateAccount(t *testing.T) {
	l := newLedger(t, 100)

	err := l.CreateAccount(context.Background(), &Account{ID: "acct1"})
	if err == nil {
		t.Error("duplicate CreateAccount succeeded")
	}
}
