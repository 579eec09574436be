package library

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"go2tv.app/screenrecorder/internal/logging"
)

// PersistError wraps a failed import.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("save %s to library: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Authorizer is satisfied by permission.Gate.
type Authorizer interface {
	EnsureAuthorized(ctx context.Context) error
}

// Persister imports a finished recording once access is authorized.
type Persister struct {
	auth   Authorizer
	lib    Library
	logger *zap.Logger
}

func NewPersister(auth Authorizer, lib Library, logger *zap.Logger) *Persister {
	return &Persister{
		auth:   auth,
		lib:    lib,
		logger: logging.OrNop(logger).Named("persist"),
	}
}

// Persist checks authorization and then attempts exactly one import of
// path. A permission refusal is returned as is; an import failure as a
// *PersistError. The file at path is never removed.
func (p *Persister) Persist(ctx context.Context, path string) (Asset, error) {
	if err := p.auth.EnsureAuthorized(ctx); err != nil {
		p.logger.Debug("library import not authorized", zap.String("path", path), zap.Error(err))
		return Asset{}, err
	}

	asset, err := p.lib.Import(ctx, path)
	if err != nil {
		return Asset{}, &PersistError{Path: path, Err: err}
	}
	return asset, nil
}
