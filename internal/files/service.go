// Package files persists imported audio and exported transcripts to a
// scratch directory.
package files

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrIO wraps every save or read failure.
	ErrIO = errors.New("files: i/o error")
	// ErrOutsideRoots rejects paths outside the scratch dir and allowed roots.
	ErrOutsideRoots = errors.New("files: path outside allowed roots")
)

type Service struct {
	dir   string
	roots []string
	log   *slog.Logger
}

// New creates the scratch directory if needed. An empty dir uses a
// loqa-caption directory under the OS temp dir. Besides the scratch dir,
// Check accepts paths under roots.
func New(dir string, logger *slog.Logger, roots ...string) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "loqa-caption")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %v", ErrIO, err)
	}
	svc := &Service{dir: dir, log: logger.With(slog.String("component", "files"))}
	for _, root := range append([]string{dir}, roots...) {
		if strings.TrimSpace(root) == "" {
			continue
		}
		resolved, err := resolve(root)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve root %s: %v", ErrIO, root, err)
		}
		svc.roots = append(svc.roots, resolved)
	}
	return svc, nil
}

func (s *Service) Dir() string {
	return s.dir
}

// Save writes data to a freshly named file with the given extension hint and
// returns its path. It never overwrites an existing file.
func (s *Service) Save(data []byte, ext string) (string, error) {
	name := uuid.NewString() + sanitizeExt(ext)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrIO, name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: write %s: %v", ErrIO, name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: close %s: %v", ErrIO, name, err)
	}
	s.log.Debug("file saved", slog.String("path", path), slog.Int("bytes", len(data)))
	return path, nil
}

// Open reads a file previously returned by Save.
func (s *Service) Open(path string) ([]byte, error) {
	if !s.owns(path) {
		return nil, fmt.Errorf("%w: %s is outside the scratch dir", ErrIO, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrIO, err)
	}
	return data, nil
}

// Check resolves path, following symlinks, and fails with ErrOutsideRoots
// unless it lies under the scratch dir or one of the allowed roots.
func (s *Service) Check(path string) error {
	resolved, err := resolve(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutsideRoots, path)
	}
	for _, root := range s.roots {
		if within(root, resolved) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutsideRoots, path)
}

func (s *Service) owns(path string) bool {
	return within(s.dir, filepath.Clean(path))
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// sanitizeExt keeps a short alphanumeric extension and drops anything else.
func sanitizeExt(ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	var b strings.Builder
	for _, r := range strings.ToLower(ext) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + b.String()
}
