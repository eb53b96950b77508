package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"

	"github.com/technosupport/ts-campus/internal/tokens"
)

var (
	ErrNoToken      = errors.New("no bearer token configured")
	ErrTokenExpired = errors.New("bearer token expired")
)

// checkExpiry rejects JWTs whose exp has passed. Opaque tokens pass through.
func checkExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims, err := tokens.Inspect(token)
	if err != nil {
		return err
	}
	if exp := claims.Expiry(); !exp.IsZero() && !now.Before(exp) {
		return fmt.Errorf("%w: subject=%s exp=%s", ErrTokenExpired, claims.Username(), exp.Format(time.RFC3339))
	}
	return nil
}

// StaticToken is a fixed bearer token, typically from API_TOKEN.
type StaticToken string

func (s StaticToken) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	if err := checkExpiry(string(s), time.Now()); err != nil {
		return "", err
	}
	return string(s), nil
}

// FileTokenSource reads the bearer token from a file and reloads it when
// the file changes, so a login helper can rotate tokens without a restart.
type FileTokenSource struct {
	path string

	mu      sync.RWMutex
	token   string
	modTime time.Time
}

func NewFileTokenSource(path string) (*FileTokenSource, error) {
	s := &FileTokenSource{path: filepath.Clean(path)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileTokenSource) Token() (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" {
		return "", ErrNoToken
	}
	if err := checkExpiry(token, time.Now()); err != nil {
		return "", err
	}
	return token, nil
}

// Reload re-reads the token file unconditionally.
func (s *FileTokenSource) Reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("token file: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("token file: %w", err)
	}

	s.mu.Lock()
	s.token = strings.TrimSpace(string(data))
	s.modTime = info.ModTime()
	s.mu.Unlock()
	return nil
}

// ReloadIfChanged reloads only when the file's mtime moved.
func (s *FileTokenSource) ReloadIfChanged() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("token file: %w", err)
	}

	s.mu.RLock()
	unchanged := info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}
	return s.Reload()
}

// StartWatcher reloads the token on file changes until ctx is done.
// The parent directory is watched so atomic rename-over writes are seen.
// A slow poll always runs as a safety net.
func (s *FileTokenSource) StartWatcher(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("Token watcher: fsnotify unavailable, polling only")
	} else if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		log.WithError(err).Warnf("Token watcher: cannot watch %s, polling only", filepath.Dir(s.path))
		watcher.Close()
		watcher = nil
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if filepath.Clean(event.Name) != s.path {
						continue
					}
					if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
						// Unconditional: a rewrite can land within one mtime tick.
						if err := s.Reload(); err != nil {
							log.WithError(err).Warn("Token watcher: reload failed")
							continue
						}
						log.Info("Token watcher: bearer token reloaded")
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.WithError(err).Error("Token watcher error")
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.ReloadIfChanged(); err != nil {
					log.WithError(err).Warn("Token poller: reload failed")
				}
			}
		}
	}()
}
