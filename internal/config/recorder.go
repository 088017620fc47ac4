package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RecorderOptions is the YAML shape of the recording-agent options file.
// Fields absent from the file keep their defaults; the merge works by
// unmarshalling over a pre-seeded struct.
type RecorderOptions struct {
	// ScriptURL overrides where the agent bundle is fetched from before
	// the inline fallback kicks in.
	ScriptURL string          `yaml:"script_url"`
	Capture   CaptureOptions  `yaml:"capture"`
	Privacy   PrivacyOptions  `yaml:"privacy"`
	Sampling  SamplingOptions `yaml:"sampling"`

	// SnapshotDeadlineMs bounds how long the agent may take to produce
	// its first FullSnapshot before the injection attempt fails.
	SnapshotDeadlineMs int `yaml:"snapshot_deadline_ms"`
	CDNLoadTimeoutMs   int `yaml:"cdn_load_timeout_ms"`
}

// CaptureOptions selects what the agent records.
type CaptureOptions struct {
	Canvas             bool `yaml:"canvas"`
	CrossOriginIframes bool `yaml:"cross_origin_iframes"`
	InlineStylesheet   bool `yaml:"inline_stylesheet"`
	CollectFonts       bool `yaml:"collect_fonts"`
	InlineImages       bool `yaml:"inline_images"`
	MaskAllInputs      bool `yaml:"mask_all_inputs"`
}

// PrivacyOptions names the CSS classes that exclude or mask elements.
type PrivacyOptions struct {
	BlockClass    string `yaml:"block_class"`
	IgnoreClass   string `yaml:"ignore_class"`
	MaskTextClass string `yaml:"mask_text_class"`
}

// SamplingOptions throttles high-frequency DOM event capture, in
// milliseconds. MousemoveMs zero disables mouse-move capture entirely.
type SamplingOptions struct {
	ScrollMs           int `yaml:"scroll_ms"`
	InputMs            int `yaml:"input_ms"`
	MouseInteractionMs int `yaml:"mouse_interaction_ms"`
	MousemoveMs        int `yaml:"mousemove_ms"`
}

// DefaultRecorderOptions returns the values used when no options file is
// configured. They match the recording agent's production defaults.
func DefaultRecorderOptions() RecorderOptions {
	return RecorderOptions{
		Capture: CaptureOptions{
			Canvas:             true,
			CrossOriginIframes: true,
			InlineStylesheet:   true,
			CollectFonts:       true,
			InlineImages:       true,
			MaskAllInputs:      false,
		},
		Privacy: PrivacyOptions{
			BlockClass:    "rr-block",
			IgnoreClass:   "rr-ignore",
			MaskTextClass: "rr-mask",
		},
		Sampling: SamplingOptions{
			ScrollMs:           250,
			InputMs:            100,
			MouseInteractionMs: 50,
			MousemoveMs:        0,
		},
		SnapshotDeadlineMs: 5000,
		CDNLoadTimeoutMs:   8000,
	}
}

// loadRecorderOptions reads and decodes one options file, merging it over
// the defaults.
func loadRecorderOptions(path string) (RecorderOptions, error) {
	opts := DefaultRecorderOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultRecorderOptions(), fmt.Errorf("read recorder options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return DefaultRecorderOptions(), fmt.Errorf("parse recorder options: %w", err)
	}
	return opts, nil
}

// RecorderWatcher serves the current recorder options and hot-reloads them
// when the backing file changes. A watcher with an empty path serves the
// defaults and never touches the filesystem.
type RecorderWatcher struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  RecorderOptions
	handlers []func(RecorderOptions)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool
}

// NewRecorderWatcher creates a watcher for the given options file. Call
// Start to load the file and begin watching.
func NewRecorderWatcher(path string, logger *zap.Logger) *RecorderWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecorderWatcher{
		path:    path,
		logger:  logger,
		current: DefaultRecorderOptions(),
		stopCh:  make(chan struct{}),
	}
}

// Start loads the file (missing is fine, defaults apply until it appears)
// and begins watching its directory. Watching the directory rather than the
// file survives the rename-and-replace dance editors and config pushers do.
func (w *RecorderWatcher) Start() error {
	if w.path == "" {
		return nil
	}
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create options directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.watcher = watcher

	if _, err := os.Stat(w.path); err == nil {
		w.reload("initial_load")
	} else {
		w.logger.Info("Recorder options file absent, using defaults",
			zap.String("path", w.path))
	}

	go w.watchLoop()

	w.logger.Info("Recorder options watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends watching. The last loaded options remain served.
func (w *RecorderWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
	// The watcher is nil when Start failed partway through.
	if w.watcher == nil {
		return
	}
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Error closing options watcher", zap.Error(err))
	}
}

// Current returns the options as of the last successful load.
func (w *RecorderWatcher) Current() RecorderOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after every successful reload.
// Callbacks run on their own goroutine and must not block on the watcher.
func (w *RecorderWatcher) OnChange(fn func(RecorderOptions)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

func (w *RecorderWatcher) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Options watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleWatchEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Options watcher error", zap.Error(err))
		}
	}
}

func (w *RecorderWatcher) handleWatchEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.reload(event.Op.String())
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Keep the last good options; a replacement file usually
		// follows and triggers Create.
		w.logger.Warn("Recorder options file removed, keeping last loaded",
			zap.String("path", w.path))
	}
}

// reload swaps in the file's options. Parse and read failures keep the
// previous options so a bad push never degrades running sessions.
func (w *RecorderWatcher) reload(action string) {
	opts, err := loadRecorderOptions(w.path)
	if err != nil {
		w.logger.Warn("Recorder options reload failed, keeping last loaded",
			zap.String("path", w.path),
			zap.String("action", action),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = opts
	handlers := make([]func(RecorderOptions), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, handler := range handlers {
		h := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Options change handler panicked", zap.Any("panic", r))
				}
			}()
			h(opts)
		}()
	}

	w.logger.Info("Recorder options loaded",
		zap.String("path", w.path),
		zap.String("action", action))
}
