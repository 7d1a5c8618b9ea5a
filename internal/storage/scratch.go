package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/aprudkin/whisper-bot/pkg/logger"

	"go.uber.org/zap"
)

// Scratch manages short-lived audio files under one directory. A path is
// held by at most one caller at a time: Acquire blocks while another caller
// holds the same file name.
type Scratch struct {
	dir string

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sem  chan struct{}
	refs int
}

// NewScratch creates a scratch area rooted at dir. The directory itself is
// created lazily by Acquire.
func NewScratch(dir string) *Scratch {
	return &Scratch{
		dir:   dir,
		locks: make(map[string]*pathLock),
	}
}

// Dir returns the scratch directory
func (s *Scratch) Dir() string {
	return s.dir
}

// Acquire creates the scratch directory if absent and reserves the path for
// fileName inside it. Only the base name of fileName is used. The returned
// release removes the file and frees the path; it must be called exactly once.
func (s *Scratch) Acquire(ctx context.Context, fileName string) (string, func(), error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	name := filepath.Base(fileName)
	if name == "." || name == string(filepath.Separator) {
		return "", nil, fmt.Errorf("invalid scratch file name %q", fileName)
	}
	path := filepath.Join(s.dir, name)

	l := s.ref(path)
	select {
	case l.sem <- struct{}{}:
	default:
		logger.Debug("Waiting for scratch file held by another job", zap.String("path", path))
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			s.unref(path)
			return "", nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.Remove(path)
			<-l.sem
			s.unref(path)
		})
	}

	return path, release, nil
}

func (s *Scratch) ref(path string) *pathLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[path]
	if !ok {
		l = &pathLock{sem: make(chan struct{}, 1)}
		s.locks[path] = l
	}
	l.refs++
	return l
}

func (s *Scratch) unref(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.locks[path]
	l.refs--
	if l.refs == 0 {
		delete(s.locks, path)
	}
}

// Write streams r into path, replacing any previous content
func (s *Scratch) Write(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// Remove deletes path if it exists. Failures are logged, never returned, so
// cleanup cannot mask the error that preceded it.
func (s *Scratch) Remove(path string) {
	if path == "" {
		return
	}

	err := os.Remove(path)
	if err == nil {
		logger.Debug("Temporary file removed", zap.String("path", path))
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		return
	}

	logger.Warn("Failed to remove temporary file",
		zap.String("path", path),
		zap.Error(err))
}
