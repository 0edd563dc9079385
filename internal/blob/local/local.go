// Package local stores content on the local filesystem, one directory
// per account under a fixed root. Every path that touches the disk is
// resolved through the sandbox first.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/justfiles/justfiles/internal/blob"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/sandbox"
)

// Store implements blob.Store on a local directory tree.
type Store struct {
	resolver *sandbox.Resolver
}

// New creates a local store rooted at basePath, creating the root
// directory if needed.
func New(basePath string) (*Store, error) {
	resolver, err := sandbox.NewResolver(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(resolver.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Store{resolver: resolver}, nil
}

func (s *Store) Type() string { return "local" }

// Put writes the body to a temp file in the account directory and
// renames it into place, so a crash mid-write never leaves a partial
// object under a valid key.
func (s *Store) Put(ctx context.Context, accountID, name string, body io.Reader) (string, int64, error) {
	key := blob.NewKey(accountID, name)

	path, err := s.resolver.Resolve(filepath.Join(s.resolver.Root(), key), accountID)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating account directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	size, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("moving object into place: %w", err)
	}
	return key, size, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("object %s: %w", key, fault.ErrPhysicalMissing)
		}
		return nil, 0, fmt.Errorf("opening object: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}
	return f, info.Size(), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("object %s: %w", key, fault.ErrNotFound)
		}
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}

// DeleteAccount removes the account's directory wholesale. Missing
// directories are fine; purge may be re-run after a partial failure.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	dir := s.resolver.AccountDir(accountID)
	if _, err := s.resolver.Resolve(dir, accountID); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing account directory: %w", err)
	}
	logging.Info("account content removed", zap.String("account_id", accountID))
	return nil
}

// FreeBytes reports available space on the filesystem holding the root.
func (s *Store) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.resolver.Root(), &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.resolver.Root(), err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func (s *Store) Close() error { return nil }

// keyPath validates the key's shape and resolves it to an absolute
// path confined to the key's account directory.
func (s *Store) keyPath(key string) (string, error) {
	accountID, _, err := sandbox.SplitKey(key)
	if err != nil {
		return "", err
	}
	return s.resolver.Resolve(filepath.Join(s.resolver.Root(), key), accountID)
}
