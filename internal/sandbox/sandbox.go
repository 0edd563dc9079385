// Package sandbox verifies that every physical path used by the blob
// store stays inside one sandbox directory per account. Stored content
// keys are attacker-adjacent input, so resolution is mandatory on every
// read, write, and delete, not only at upload time.
package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
)

// MaxNameLen caps sanitized file names.
const MaxNameLen = 255

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	leadingDots = regexp.MustCompile(`^\.+`)
)

// CleanName re-derives a sandbox-safe physical name from a display
// name: unsafe characters replaced, leading dots stripped (blocks
// dotfile targeting), length capped.
func CleanName(name string) string {
	cleaned := unsafeChars.ReplaceAllString(name, "_")
	cleaned = leadingDots.ReplaceAllString(cleaned, "")
	if len(cleaned) > MaxNameLen {
		cleaned = cleaned[:MaxNameLen]
	}
	if cleaned == "" {
		cleaned = "unnamed"
	}
	return cleaned
}

// Resolver verifies candidate paths against one sandbox root.
type Resolver struct {
	root string // canonical absolute sandbox root
}

// NewResolver canonicalizes the sandbox root. The root does not need
// to exist yet.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("canonicalize sandbox root %s: %w", root, err)
	}
	return &Resolver{root: filepath.Clean(abs)}, nil
}

// Root returns the canonical sandbox root.
func (r *Resolver) Root() string { return r.root }

// AccountDir returns the sandbox directory for one account.
func (r *Resolver) AccountDir(accountID string) string {
	return filepath.Join(r.root, CleanName(accountID))
}

// Resolve turns a candidate physical path into a verified path inside
// the account's sandbox, or fails with fault.ErrSandboxViolation. The
// violation is logged as a security event and never silently corrected.
func (r *Resolver) Resolve(candidate, accountID string) (string, error) {
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", candidate, err)
	}
	abs = filepath.Clean(abs)

	allowed := r.AccountDir(accountID)
	if abs != allowed && !strings.HasPrefix(abs, allowed+string(filepath.Separator)) {
		metrics.RecordSandboxViolation()
		logging.Security("path traversal blocked",
			zap.String("account_id", accountID),
			zap.String("path", candidate))
		return "", fault.ErrSandboxViolation
	}
	return abs, nil
}

// SplitKey decomposes a content key of the form "accountID/name" and
// rejects anything with traversal or separator tricks. Both blob
// backends run keys through this before touching storage.
func SplitKey(key string) (accountID, name string, err error) {
	accountID, name, ok := strings.Cut(key, "/")
	if !ok || accountID == "" || name == "" ||
		strings.Contains(name, "/") || strings.Contains(key, "\\") ||
		accountID != CleanName(accountID) || name != CleanName(name) {
		metrics.RecordSandboxViolation()
		logging.Security("malformed content key rejected", zap.String("key", key))
		return "", "", fault.ErrSandboxViolation
	}
	return accountID, name, nil
}
