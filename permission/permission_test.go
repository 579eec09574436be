package permission

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/screenrecorder/internal/portal"
)

func TestEnsureAuthorizedAlreadyAuthorized(t *testing.T) {
	prompter := &StaticPrompter{}
	g := NewGate(NewMemoryStore(Authorized), prompter, nil)

	require.NoError(t, g.EnsureAuthorized(context.Background()))
	assert.Equal(t, 0, prompter.Calls)
}

func TestEnsureAuthorizedDeniedDoesNotPrompt(t *testing.T) {
	for _, state := range []State{Denied, Restricted} {
		t.Run(state.String(), func(t *testing.T) {
			prompter := &StaticPrompter{Grant: true}
			g := NewGate(NewMemoryStore(state), prompter, nil)

			err := g.EnsureAuthorized(context.Background())
			var permErr *Error
			require.True(t, errors.As(err, &permErr))
			assert.True(t, permErr.DeniedPermanently)
			assert.Equal(t, state, permErr.State)
			assert.Equal(t, 0, prompter.Calls)
		})
	}
}

func TestEnsureAuthorizedPromptsOnce(t *testing.T) {
	store := NewMemoryStore(Undetermined)
	prompter := &StaticPrompter{Grant: true}
	g := NewGate(store, prompter, nil)

	require.NoError(t, g.EnsureAuthorized(context.Background()))
	require.NoError(t, g.EnsureAuthorized(context.Background()))
	assert.Equal(t, 1, prompter.Calls)

	state, err := g.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authorized, state)
}

func TestEnsureAuthorizedRefusalIsRecorded(t *testing.T) {
	store := NewMemoryStore(Undetermined)
	prompter := &StaticPrompter{Grant: false}
	g := NewGate(store, prompter, nil)

	err := g.EnsureAuthorized(context.Background())
	var permErr *Error
	require.True(t, errors.As(err, &permErr))
	assert.False(t, permErr.DeniedPermanently)

	err = g.EnsureAuthorized(context.Background())
	require.True(t, errors.As(err, &permErr))
	assert.True(t, permErr.DeniedPermanently, "second call sees the recorded denial")
	assert.Equal(t, 1, prompter.Calls)
}

func TestEnsureAuthorizedPromptFailureLeavesStateUndetermined(t *testing.T) {
	store := NewMemoryStore(Undetermined)
	g := NewGate(store, &StaticPrompter{Err: ErrNoPrompter}, nil)

	err := g.EnsureAuthorized(context.Background())
	var permErr *Error
	require.True(t, errors.As(err, &permErr))
	assert.False(t, permErr.DeniedPermanently)
	assert.Equal(t, 0, store.Saves())
}

func TestEnsureAuthorizedWithoutPrompter(t *testing.T) {
	g := NewGate(NewMemoryStore(Undetermined), nil, nil)
	var permErr *Error
	require.True(t, errors.As(g.EnsureAuthorized(context.Background()), &permErr))
	assert.Equal(t, Undetermined, permErr.State)
}

func TestSetPrompterNilStopsPrompting(t *testing.T) {
	store := NewMemoryStore(Undetermined)
	prompter := &StaticPrompter{Grant: true}
	g := NewGate(store, prompter, nil)
	g.SetPrompter(nil)

	var permErr *Error
	require.True(t, errors.As(g.EnsureAuthorized(context.Background()), &permErr))
	assert.Equal(t, Undetermined, permErr.State)
	assert.False(t, permErr.DeniedPermanently)
	assert.Equal(t, 0, prompter.Calls)
	assert.Equal(t, 0, store.Saves())
}

func TestParseStateRoundTrip(t *testing.T) {
	for _, s := range []State{Undetermined, Authorized, Denied, Restricted} {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("maybe")
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "permission.toml")
	s := NewFileStore(path)
	s.now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }
	ctx := context.Background()

	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Undetermined, state)

	require.NoError(t, s.Save(ctx, Denied))
	state, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Denied, state)

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Reset(ctx))
	state, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Undetermined, state)
}

type fakeTable struct {
	perms   map[string][]string
	value   dbus.Variant
	deleted int
}

func (f *fakeTable) Lookup(context.Context, string) (map[string][]string, dbus.Variant, error) {
	if f.perms == nil {
		return nil, dbus.Variant{}, portal.ErrNotFound
	}
	return f.perms, f.value, nil
}

func (f *fakeTable) SetPermission(_ context.Context, _, app string, permissions []string) error {
	if f.perms == nil {
		f.perms = map[string][]string{}
	}
	f.perms[app] = permissions
	return nil
}

func (f *fakeTable) SetValue(_ context.Context, _ string, value dbus.Variant) error {
	f.value = value
	return nil
}

func (f *fakeTable) Delete(context.Context, string) error {
	f.perms = nil
	f.deleted++
	return nil
}

func TestPortalStore(t *testing.T) {
	table := &fakeTable{}
	s := &PortalStore{table: table, now: func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }}
	ctx := context.Background()

	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Undetermined, state)

	require.NoError(t, s.Save(ctx, Authorized))
	assert.Equal(t, []string{"yes"}, table.perms[""])
	assert.Equal(t, "2026-10-14T09:30:00Z", table.value.Value())
	state, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Authorized, state)

	table.perms[""] = []string{"restricted"}
	state, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Restricted, state)

	require.NoError(t, s.Save(ctx, Undetermined))
	assert.Equal(t, 1, table.deleted)
}

func TestTerminalPrompter(t *testing.T) {
	var out strings.Builder
	p := &TerminalPrompter{In: strings.NewReader("Yes\n"), Out: &out}
	ok, err := p.Prompt(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, defaultQuestion, out.String())

	p = &TerminalPrompter{In: strings.NewReader(""), Out: &out}
	ok, err = p.Prompt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "EOF is a refusal")

	_, err = (&TerminalPrompter{}).Prompt(context.Background())
	assert.ErrorIs(t, err, ErrNoPrompter)
}
