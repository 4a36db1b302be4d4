package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes a reloaded or removed file.
type ChangeEvent struct {
	File      string
	Action    string // initial_load, create, modify, delete, polling_detected, manual_reload
	Data      []byte
	Timestamp time.Time
}

// ChangeHandler is called when a watched file changes
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a file's raw contents before handlers see it.
type Validator func(data []byte) error

// Watcher watches a directory of YAML/JSON files and notifies per-file handlers
// on change. Invalid files are logged and the previous version stays in effect.
type Watcher struct {
	dir        string
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	modTimes   map[string]time.Time
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	logger     *zap.Logger
	mu         sync.RWMutex
	eventMu    sync.Mutex

	pollInterval time.Duration
	// Write bursts settle before reload.
	settle time.Duration
}

// NewWatcher creates a watcher for dir. It does not watch until Start.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		dir:        dir,
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]Validator),
		modTimes:   make(map[string]time.Time),
		watcher:    fw,
		stopCh:     make(chan struct{}),
		logger:     logger,
		settle:     50 * time.Millisecond,
	}, nil
}

// RegisterHandler registers a change handler for a file name inside the directory.
func (w *Watcher) RegisterHandler(filename string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], handler)
}

// RegisterValidator registers a validator for a file name.
func (w *Watcher) RegisterValidator(filename string, v Validator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validators[filename] = v
}

// EnablePolling adds a modification-time poll for filesystems where fsnotify is unreliable.
func (w *Watcher) EnablePolling(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollInterval = interval
}

// Start loads every watched file once, synchronously, then watches for changes
// until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	poll := w.pollInterval
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := w.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	go w.watchLoop(ctx)
	if poll > 0 {
		go w.pollLoop(ctx, poll)
	}

	w.logger.Info("Configuration watcher started",
		zap.String("config_dir", w.dir),
		zap.Duration("poll_interval", poll),
	)
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false
	close(w.stopCh)
	return w.watcher.Close()
}

// Reload re-reads filename and notifies its handlers.
func (w *Watcher) Reload(filename string) error {
	return w.loadFile(filepath.Join(w.dir, filename), "manual_reload")
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

func (w *Watcher) checkForChanges() {
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		w.mu.RLock()
		last := w.modTimes[name]
		w.mu.RUnlock()
		if info.ModTime().After(last) {
			return w.loadFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		w.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.eventMu.Lock()
	defer w.eventMu.Unlock()

	if !isConfigFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "delete"
	default:
		return
	}

	if action == "delete" {
		w.notify(ChangeEvent{File: filename, Action: action, Timestamp: time.Now()})
		return
	}

	time.Sleep(w.settle)
	if err := w.loadFile(event.Name, action); err != nil {
		w.logger.Error("Failed to load config file",
			zap.String("file", filename),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (w *Watcher) loadAll() error {
	return filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return w.loadFile(path, "initial_load")
	})
}

func (w *Watcher) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	info, statErr := os.Stat(path)
	filename := filepath.Base(path)

	if err := checkSyntax(filename, data); err != nil {
		return err
	}

	w.mu.Lock()
	if statErr == nil {
		w.modTimes[filename] = info.ModTime()
	}
	validator := w.validators[filename]
	w.mu.Unlock()

	if validator != nil {
		if err := validator(data); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	w.notify(ChangeEvent{File: filename, Action: action, Data: data, Timestamp: time.Now()})
	w.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// notify runs handlers synchronously so a reload is visible once loadFile returns.
func (w *Watcher) notify(event ChangeEvent) {
	w.mu.RLock()
	handlers := append([]ChangeHandler(nil), w.handlers[event.File]...)
	w.mu.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			w.logger.Error("Configuration handler error",
				zap.String("filename", event.File),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
	}
}

func checkSyntax(filename string, data []byte) error {
	var probe interface{}
	switch filepath.Ext(filename) {
	case ".json":
		if err := json.Unmarshal(data, &probe); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &probe); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}
	return nil
}

func isConfigFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".json" || ext == ".yaml" || ext == ".yml"
}
