package guardrail

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads a rules file into an Engine whenever it changes on disk.
// A file that fails to parse is logged and the previous rules stay active.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	engine   *Engine
	debounce time.Duration
	onReload func(*RuleSet, error)

	done     chan struct{}
	timerMu  sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Path     string
	Engine   *Engine
	Debounce time.Duration
	// OnReload, if set, runs after every reload attempt.
	OnReload func(*RuleSet, error)
}

// NewWatcher creates a watcher for cfg.Path. Start begins watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("rules file path is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve rules path: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		path:     abs,
		engine:   cfg.Engine,
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the rules file, so editors that
// replace the file by rename are picked up too.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}
	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("guardrail rules watcher started")
	return nil
}

// Stop ends watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()

		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		log.Info().Msg("guardrail rules watcher stopped")
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("guardrail watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.Reload()
		}
	})
}

// Reload reads the rules file once and applies it when valid.
func (w *Watcher) Reload() {
	rs, err := LoadFile(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("guardrail rules reload rejected, keeping previous rules")
	} else {
		w.engine.SetRules(rs)
		log.Info().Str("path", w.path).Int("rules", len(rs.Rules)).Msg("guardrail rules reloaded")
	}
	if w.onReload != nil {
		w.onReload(rs, err)
	}
}
