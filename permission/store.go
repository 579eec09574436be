package permission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrecorder/internal/portal"
)

// MemoryStore keeps the state for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
}

// NewMemoryStore returns a store holding state.
func NewMemoryStore(state State) *MemoryStore {
	return &MemoryStore{state: state}
}

func (s *MemoryStore) Load(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *MemoryStore) Save(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.saves++
	return nil
}

func (s *MemoryStore) Reset(context.Context) error {
	return s.Save(context.Background(), Undetermined)
}

// Saves counts Save calls.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type fileRecord struct {
	State     string    `toml:"state"`
	DecidedAt time.Time `toml:"decided_at"`
}

// FileStore keeps the state in a small TOML file.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(context.Context) (State, error) {
	var rec fileRecord
	if _, err := toml.DecodeFile(s.path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Undetermined, nil
		}
		return Undetermined, fmt.Errorf("read %s: %w", s.path, err)
	}
	return ParseState(rec.State)
}

func (s *FileStore) Save(_ context.Context, state State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".permission-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	rec := fileRecord{State: state.String(), DecidedAt: s.now().UTC().Truncate(time.Second)}
	if err := toml.NewEncoder(tmp).Encode(rec); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) Reset(context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

const (
	portalTable = "screenrecorder"
	portalID    = "media-library"
	// portalApp is the empty app id the store uses for unsandboxed callers.
	portalApp = ""
)

// permissionTable is the subset of the portal permission store PortalStore
// uses.
type permissionTable interface {
	Lookup(ctx context.Context, id string) (map[string][]string, dbus.Variant, error)
	SetPermission(ctx context.Context, id, app string, permissions []string) error
	SetValue(ctx context.Context, id string, value dbus.Variant) error
	Delete(ctx context.Context, id string) error
}

// PortalStore keeps the state in the XDG desktop permission store, where
// the desktop's privacy settings can see and revoke it.
type PortalStore struct {
	table permissionTable
	now   func() time.Time
}

// NewPortalStore connects to the session bus.
func NewPortalStore() (*PortalStore, error) {
	conn, err := portal.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	return &PortalStore{
		table: portal.NewPermissionStore(conn, portalTable),
		now:   time.Now,
	}, nil
}

func (s *PortalStore) Load(ctx context.Context) (State, error) {
	perms, _, err := s.table.Lookup(ctx, portalID)
	if errors.Is(err, portal.ErrNotFound) {
		return Undetermined, nil
	}
	if err != nil {
		return Undetermined, err
	}

	values, ok := perms[portalApp]
	if !ok || len(values) == 0 {
		return Undetermined, nil
	}
	switch values[0] {
	case "yes":
		return Authorized, nil
	case "no":
		return Denied, nil
	case "restricted":
		return Restricted, nil
	default:
		return Undetermined, nil
	}
}

func (s *PortalStore) Save(ctx context.Context, state State) error {
	var value string
	switch state {
	case Authorized:
		value = "yes"
	case Denied:
		value = "no"
	case Restricted:
		value = "restricted"
	default:
		return s.Reset(ctx)
	}
	if err := s.table.SetPermission(ctx, portalID, portalApp, []string{value}); err != nil {
		return err
	}
	return s.table.SetValue(ctx, portalID, portal.FromString(s.now().UTC().Format(time.RFC3339)))
}

func (s *PortalStore) Reset(ctx context.Context) error {
	return s.table.Delete(ctx, portalID)
}
