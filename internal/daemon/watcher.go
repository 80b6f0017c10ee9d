package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultSeedDebounce collapses the burst of events an editor save makes.
const DefaultSeedDebounce = 500 * time.Millisecond

// SeedWatcher calls onChange whenever the seed file settles after a change.
// The parent directory is watched so atomic rename-over saves are seen.
type SeedWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func()
	logger   zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSeedWatcher creates a stopped watcher. debounce <= 0 uses DefaultSeedDebounce.
func NewSeedWatcher(path string, debounce time.Duration, onChange func(), logger zerolog.Logger) (*SeedWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultSeedDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return &SeedWatcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With().Str("component", "seed-watcher").Str("path", abs).Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *SeedWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.wg.Add(1)
	go w.eventLoop()
	w.logger.Info().Msg("Connections file watcher started")
	return nil
}

// Stop ends watching and drops any pending notification.
func (w *SeedWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		w.wg.Wait()
	})
	return err
}

func (w *SeedWatcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *SeedWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *SeedWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		select {
		case <-w.done:
		default:
			w.onChange()
		}
	})
}
