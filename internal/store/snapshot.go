package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshotter persists one JSON document to disk with debounced writes.
// Writers call RequestSave after mutating; bursts coalesce into a single
// write of whatever the source function returns at flush time. Files are
// written to a temp path and renamed so a crash never leaves half a file.
type Snapshotter struct {
	path     string
	source   func() interface{}
	debounce time.Duration

	saveMu sync.Mutex
	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSnapshotter starts the background save loop for path. An empty path
// disables persistence and every method becomes a no-op.
func NewSnapshotter(path string, debounce time.Duration, source func() interface{}) *Snapshotter {
	s := &Snapshotter{
		path:     path,
		source:   source,
		debounce: debounce,
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
	if path == "" {
		return s
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Cannot create snapshot dir, persistence disabled")
		s.path = ""
		return s
	}
	s.wg.Add(1)
	go s.saveLoop()
	return s
}

// Path returns the snapshot file path ("" when disabled).
func (s *Snapshotter) Path() string { return s.path }

// RequestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (s *Snapshotter) RequestSave() {
	if s.path == "" {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

func (s *Snapshotter) saveLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.saveCh:
			if s.debounce > 0 {
				select {
				case <-time.After(s.debounce):
				case <-s.doneCh:
					s.Flush()
					return
				}
			}
			s.Flush()
		}
	}
}

// Flush writes the current document synchronously.
func (s *Snapshotter) Flush() {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(s.source())
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to marshal snapshot")
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", s.path).Msg("Snapshot saved")
}

// Load decodes the snapshot file into v. It returns false when there is
// nothing to load (disabled, missing, or unreadable file); a corrupt file
// is logged and treated as absent.
func (s *Snapshotter) Load(v interface{}) bool {
	if s.path == "" {
		return false
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", s.path).Msg("No snapshot file found, starting fresh")
			return false
		}
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to read snapshot")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to parse snapshot, starting fresh")
		return false
	}
	return true
}

// Close stops the save loop and flushes pending state.
func (s *Snapshotter) Close() {
	s.once.Do(func() {
		close(s.doneCh)
		s.wg.Wait()
		s.Flush()
	})
}
