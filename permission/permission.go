// Package permission gates access to the media library behind a one-shot
// user authorization that the OS, not the recorder, remembers.
package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"go2tv.app/screenrecorder/internal/logging"
)

// State is the recorded authorization for writing to the media library.
type State int

const (
	Undetermined State = iota
	Authorized
	Denied
	Restricted
)

func (s State) String() string {
	switch s {
	case Undetermined:
		return "undetermined"
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "undetermined":
		return Undetermined, nil
	case "authorized":
		return Authorized, nil
	case "denied":
		return Denied, nil
	case "restricted":
		return Restricted, nil
	default:
		return Undetermined, fmt.Errorf("unknown permission state %q", s)
	}
}

// Error reports that the library may not be written. DeniedPermanently is
// set when the user has to change the decision outside the recorder.
type Error struct {
	State             State
	DeniedPermanently bool
}

func (e *Error) Error() string {
	if e.DeniedPermanently {
		return fmt.Sprintf("media library access %s; change it in the system settings", e.State)
	}
	return fmt.Sprintf("media library access %s", e.State)
}

// ErrNoPrompter is returned by a prompter that cannot ask anyone.
var ErrNoPrompter = errors.New("no way to ask for media library access")

// Store reads and writes the recorded state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Reset(ctx context.Context) error
}

// Prompter asks the user once and reports whether access was granted.
type Prompter interface {
	Prompt(ctx context.Context) (bool, error)
}

// Gate checks the recorded state and prompts when nothing was decided yet.
type Gate struct {
	store    Store
	prompter Prompter
	logger   *zap.Logger

	// mu keeps concurrent callers from prompting twice.
	mu sync.Mutex
}

// NewGate returns a gate over store. A nil prompter treats an undetermined
// state as a refusal for this call only.
func NewGate(store Store, prompter Prompter, logger *zap.Logger) *Gate {
	return &Gate{
		store:    store,
		prompter: prompter,
		logger:   logging.OrNop(logger).Named("permission"),
	}
}

// SetPrompter replaces the prompter. Nil turns prompting off so an
// undetermined state is reported to the caller instead.
func (g *Gate) SetPrompter(p Prompter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompter = p
}

// Status returns the recorded state without prompting.
func (g *Gate) Status(ctx context.Context) (State, error) {
	return g.store.Load(ctx)
}

// EnsureAuthorized returns nil when access is authorized, prompting at most
// once if the state is undetermined. Denied and Restricted fail without a
// prompt.
func (g *Gate) EnsureAuthorized(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load permission state: %w", err)
	}

	switch state {
	case Authorized:
		return nil
	case Denied, Restricted:
		return &Error{State: state, DeniedPermanently: true}
	}

	if g.prompter == nil {
		return &Error{State: Undetermined}
	}
	granted, err := g.prompter.Prompt(ctx)
	if err != nil {
		g.logger.Debug("permission prompt failed", zap.Error(err))
		return &Error{State: Undetermined}
	}

	answer := Denied
	if granted {
		answer = Authorized
	}
	if err := g.store.Save(ctx, answer); err != nil {
		return fmt.Errorf("save permission state: %w", err)
	}
	g.logger.Info("media library access decided", zap.Stringer("state", answer))

	if !granted {
		return &Error{State: Denied}
	}
	return nil
}
