package fieldscript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// IdentityProvider supplies the signed-in owner. An empty owner means
// nobody is signed in.
type IdentityProvider interface {
	CurrentOwnerID() string
}

// IdentityWatcher is an IdentityProvider that also reports sign-in and
// sign-out.
type IdentityWatcher interface {
	IdentityProvider
	// Changes streams the current identity followed by every change until
	// ctx is done.
	Changes(ctx context.Context) <-chan Identity
}

// Identity is a signed-in user and the bearer token used for the remote.
type Identity struct {
	OwnerID string `json:"owner_id"`
	Token   string `json:"token,omitempty"`
}

// SignedIn reports whether the identity names an owner.
func (i Identity) SignedIn() bool { return i.OwnerID != "" }

// StaticIdentity is an in-memory identity, changed with Set.
type StaticIdentity struct {
	state *Observable[Identity]
}

var (
	_ IdentityWatcher = (*StaticIdentity)(nil)
	_ TokenSource     = (*StaticIdentity)(nil)
)

// NewStaticIdentity returns an identity signed in as ownerID, or signed out
// when ownerID is empty.
func NewStaticIdentity(ownerID, token string) *StaticIdentity {
	return &StaticIdentity{state: NewObservable(Identity{OwnerID: ownerID, Token: token})}
}

// Set replaces the identity.
func (s *StaticIdentity) Set(id Identity) { s.state.Set(id) }

// CurrentOwnerID implements IdentityProvider.
func (s *StaticIdentity) CurrentOwnerID() string { return s.state.Value().OwnerID }

// Token implements TokenSource.
func (s *StaticIdentity) Token(context.Context) (string, error) { return s.state.Value().Token, nil }

// Changes implements IdentityWatcher.
func (s *StaticIdentity) Changes(ctx context.Context) <-chan Identity {
	return s.state.Subscribe(ctx)
}

// FileIdentity keeps the identity in a JSON file written by sign-in and
// removed by sign-out. Edits made by other processes are picked up while
// Watch runs.
type FileIdentity struct {
	path   string
	logger *slog.Logger
	state  *Observable[Identity]
	mu     sync.Mutex
}

var (
	_ IdentityWatcher = (*FileIdentity)(nil)
	_ TokenSource     = (*FileIdentity)(nil)
)

// NewFileIdentity loads the identity stored at path. A missing file means
// signed out.
func NewFileIdentity(path string, logger *slog.Logger) (*FileIdentity, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FileIdentity{
		path:   path,
		logger: logger.With("component", "identity"),
	}
	id, err := f.read()
	if err != nil {
		return nil, err
	}
	f.state = NewObservable(id)
	return f, nil
}

// Path returns the identity file path.
func (f *FileIdentity) Path() string { return f.path }

func (f *FileIdentity) read() (Identity, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("parse identity %s: %w", f.path, err)
	}
	return id, nil
}

// Current returns the loaded identity.
func (f *FileIdentity) Current() Identity { return f.state.Value() }

// CurrentOwnerID implements IdentityProvider.
func (f *FileIdentity) CurrentOwnerID() string { return f.state.Value().OwnerID }

// Token implements TokenSource.
func (f *FileIdentity) Token(context.Context) (string, error) { return f.state.Value().Token, nil }

// Changes implements IdentityWatcher.
func (f *FileIdentity) Changes(ctx context.Context) <-chan Identity {
	return f.state.Subscribe(ctx)
}

// Save signs in by writing id to the identity file.
func (f *FileIdentity) Save(id Identity) error {
	if !id.SignedIn() {
		return errors.New("identity: owner id is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	f.state.Set(id)
	return nil
}

// Clear signs out by removing the identity file.
func (f *FileIdentity) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove identity: %w", err)
	}
	f.state.Set(Identity{})
	return nil
}

// Reload re-reads the identity file.
func (f *FileIdentity) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, err := f.read()
	if err != nil {
		return err
	}
	if f.state.Set(id) {
		f.logger.Info("identity changed", "signed_in", id.SignedIn(), "owner", id.OwnerID)
	}
	return nil
}

// Watch follows the identity file until ctx is done.
func (f *FileIdentity) Watch(ctx context.Context) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched because sign-in replaces the file by rename.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	name := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Warn("reload identity", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("identity watcher error", "error", err)
		}
	}
}

// Close releases every change stream.
func (f *FileIdentity) Close() {
	f.state.Close()
}
