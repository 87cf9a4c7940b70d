package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	customerrors "github.com/pverani/bluehub/internal/errors"
)

const (
	storeFilePerm = 0o600
	debounceDelay = 200 * time.Millisecond
)

// FileStore persists whitelist entries as a JSON array, preserving order.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the entries from disk. A missing file yields an empty list so
// a fresh deployment starts without error.
func (s *FileStore) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil, customerrors.ErrWhitelistPathEmpty
	}

	b, err := os.ReadFile(s.path) //nolint:gosec // whitelist path comes from config
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read whitelist file %s: %w", s.path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse whitelist file %s: %w", s.path, err)
	}

	return entries, nil
}

// Save writes the entries to disk.
func (s *FileStore) Save(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return customerrors.ErrWhitelistPathEmpty
	}

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal whitelist: %w", err)
	}

	if err := os.WriteFile(s.path, out, storeFilePerm); err != nil {
		return fmt.Errorf("failed to write whitelist file %s: %w", s.path, err)
	}

	return nil
}

// Watch reloads the file on external edits and hands the new entries to
// onReload. Events are debounced since editors and atomic writers emit
// bursts. Blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onReload func([]Entry)) error {
	logger := zerolog.Ctx(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(s.path); err != nil {
		logger.Warn().Err(err).Str("file", s.path).Msg("failed to watch whitelist file")
	}

	var (
		debounceMu sync.Mutex
		timer      *time.Timer
	)

	reload := func() {
		entries, err := s.Load()
		if err != nil {
			logger.Warn().Err(err).Msg("failed to reload whitelist")

			return
		}

		logger.Info().Int("entries", len(entries)).Msg("whitelist reloaded from disk")
		onReload(entries)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("whitelist file changed")

			debounceMu.Lock()

			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(debounceDelay, reload)
			debounceMu.Unlock()

			// Re-add after atomic replace
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(50 * time.Millisecond)
				_ = fsw.Add(s.path)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}
