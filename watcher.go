package txnsvc

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/txnsvc/config"
	"github.com/GoCodeAlone/txnsvc/txn"
)

// ConfigWatcher watches the container config file and applies registry
// enable changes at runtime. Each registry whose enable state changes is
// reconciled in its own update transaction; the event emission switch is
// applied directly, outside any transaction.
type ConfigWatcher struct {
	path       string
	executor   txn.Executor
	logger     Logger
	registries map[string]*ServiceRegistry

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewConfigWatcher creates a watcher over the config file at path managing
// the listed registries, keyed by their names.
func NewConfigWatcher(path string, executor txn.Executor, logger Logger, registries ...*ServiceRegistry) *ConfigWatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	if executor == nil {
		executor = txn.GoExecutor{}
	}
	byName := make(map[string]*ServiceRegistry, len(registries))
	for _, r := range registries {
		byName[r.Name()] = r
	}
	return &ConfigWatcher{
		path:       path,
		executor:   executor,
		logger:     logger,
		registries: byName,
	}
}

// Start begins watching. The containing directory is watched so editors
// that replace the file atomically are still observed.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	w.wg.Add(1)
	go w.loop(watcher, w.done)
	return nil
}

// Stop stops watching and waits for the watch loop to exit.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher, w.done = nil, nil
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	close(done)
	_ = watcher.Close()
	w.wg.Wait()
}

func (w *ConfigWatcher) loop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.Apply()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "path", w.path, "error", err)
		}
	}
}

// Apply loads the config file and reconciles registry enable states.
// Exposed so callers can force a reconcile without a file event.
func (w *ConfigWatcher) Apply() {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.Error("Failed to load config", "path", w.path, "error", err)
		return
	}
	for _, registry := range w.registries {
		registry.SetEventsEnabled(cfg.EmitEvents)
	}
	for name, enabled := range cfg.Registries {
		registry, ok := w.registries[name]
		if !ok {
			w.logger.Warn("Config names unknown registry", "registry", name)
			continue
		}
		if registry.Enabled() == enabled {
			continue
		}
		w.applyRegistry(registry, enabled)
	}
}

func (w *ConfigWatcher) applyRegistry(registry *ServiceRegistry, enabled bool) {
	tc := registry.TransactionController()
	tc.CreateUpdate(w.executor, func(t *txn.Transaction) {
		var err error
		if enabled {
			err = registry.Enable(t)
		} else {
			err = registry.Disable(t)
		}
		if err != nil {
			w.logger.Error("Failed to apply registry enable state",
				"registry", registry.Name(), "enabled", enabled, "error", err)
			_ = tc.Abort(t, nil)
			return
		}
		if err := tc.Prepare(t, func(t *txn.Transaction) {
			if tc.CanCommit(t) {
				_ = tc.Commit(t, nil)
			} else {
				_ = tc.Abort(t, nil)
			}
		}); err != nil {
			w.logger.Error("Failed to prepare registry reconcile",
				"registry", registry.Name(), "error", err)
		}
	})
}
