// Package library imports finished recordings into the user's media
// library.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go2tv.app/screenrecorder/internal/logging"
)

const copyChunk = 1 << 20

// Asset is a recording stored in the library.
type Asset struct {
	ID         string
	Path       string
	Size       int64
	ImportedAt time.Time
}

// Library stores a copy of a file as one transaction: either the asset is
// complete or nothing is left behind.
type Library interface {
	Import(ctx context.Context, path string) (Asset, error)
}

// DefaultDir returns the user's videos directory: XDG_VIDEOS_DIR when set,
// else ~/Movies on macOS and ~/Videos elsewhere.
func DefaultDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("XDG_VIDEOS_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Movies"), nil
	}
	return filepath.Join(home, "Videos"), nil
}

// DirLibrary is a library rooted at a directory.
type DirLibrary struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewDirLibrary returns a library in dir, or in DefaultDir when dir is empty.
func NewDirLibrary(dir string, logger *zap.Logger) (*DirLibrary, error) {
	if strings.TrimSpace(dir) == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, fmt.Errorf("library dir: %w", err)
		}
		dir = d
	}
	return &DirLibrary{
		dir:    dir,
		logger: logging.OrNop(logger).Named("library"),
		now:    time.Now,
	}, nil
}

// Dir returns the library root.
func (l *DirLibrary) Dir() string {
	return l.dir
}

// Import copies src into the library through a temporary file that is
// synced and then linked into place under a name that does not clobber an
// existing asset. src is left untouched.
func (l *DirLibrary) Import(ctx context.Context, src string) (Asset, error) {
	in, err := os.Open(src)
	if err != nil {
		return Asset{}, err
	}
	defer in.Close()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return Asset{}, err
	}

	tmp, err := os.CreateTemp(l.dir, ".import-*.part")
	if err != nil {
		return Asset{}, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := copyContext(ctx, tmp, in)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Asset{}, err
	}

	id := uuid.NewString()
	dest, err := l.place(tmpPath, filepath.Base(src), id)
	if err != nil {
		return Asset{}, err
	}
	syncDir(l.dir)

	asset := Asset{ID: id, Path: dest, Size: n, ImportedAt: l.now()}
	l.logger.Info("recording imported", zap.String("id", id), zap.String("path", dest), zap.Int64("bytes", n))
	return asset, nil
}

// place links tmp to name inside the library, falling back to a name
// suffixed with part of id when name is taken.
func (l *DirLibrary) place(tmp, name, id string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidates := []string{
		filepath.Join(l.dir, name),
		filepath.Join(l.dir, fmt.Sprintf("%s_%s%s", stem, id[:8], ext)),
	}

	var lastErr error
	for _, dest := range candidates {
		err := os.Link(tmp, dest)
		if err == nil {
			return dest, nil
		}
		if errors.Is(err, os.ErrExist) {
			lastErr = err
			continue
		}
		// Filesystems without hard links: rename once the name is known free.
		if _, statErr := os.Lstat(dest); errors.Is(statErr, os.ErrNotExist) {
			if err := os.Rename(tmp, dest); err != nil {
				return "", err
			}
			return dest, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunk)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func syncDir(dir string) {
	if runtime.GOOS == "windows" {
		return
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
