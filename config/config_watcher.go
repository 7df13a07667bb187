package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var _ Watcher = (*ConfigWatcher)(nil)

// ConfigWatcher reloads the configuration file, and the safety rule file it
// names, when either changes on disk. The parent directories are watched
// rather than the files so that editors replacing the file by rename are
// picked up.
type ConfigWatcher struct {
	current    atomic.Pointer[Config]
	configPath string
	watcher    *fsnotify.Watcher
	logger     *zap.Logger
	debounce   time.Duration

	mu          sync.Mutex
	subscribers []chan *Config
	watched     map[string]bool
	done        chan struct{}
}

// NewConfigWatcher loads configPath and starts watching it.
func NewConfigWatcher(configPath string, logger *zap.Logger) (*ConfigWatcher, error) {
	initial, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger,
		debounce:   100 * time.Millisecond,
		watched:    make(map[string]bool),
		done:       make(chan struct{}),
	}
	cw.current.Store(initial)

	if err := cw.watchFilesOf(initial); err != nil {
		watcher.Close()
		return nil, err
	}

	go cw.run()
	return cw, nil
}

func (cw *ConfigWatcher) watchFilesOf(cfg *Config) error {
	files := []string{cw.configPath}
	if cfg.Safety.RulesFile != "" {
		files = append(files, cfg.Safety.RulesFile)
	}
	for _, f := range files {
		dir := filepath.Dir(f)
		if cw.watched[dir] {
			continue
		}
		if err := cw.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		cw.watched[dir] = true
	}
	return nil
}

func (cw *ConfigWatcher) relevant(name string) bool {
	name = filepath.Clean(name)
	if name == filepath.Clean(cw.configPath) {
		return true
	}
	rules := cw.GetCurrentConfig().Safety.RulesFile
	return rules != "" && name == filepath.Clean(rules)
}

// Subscribe returns a channel receiving every successfully reloaded config.
// Slow subscribers miss intermediate versions, never the latest.
func (cw *ConfigWatcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	cw.mu.Lock()
	cw.subscribers = append(cw.subscribers, ch)
	cw.mu.Unlock()
	return ch
}

// GetCurrentConfig returns the current configuration thread-safely
func (cw *ConfigWatcher) GetCurrentConfig() *Config {
	return cw.current.Load()
}

func (cw *ConfigWatcher) run() {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !cw.relevant(event.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cw.debounce)
			} else {
				timer.Reset(cw.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cw.reload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cw.logger.Info("config change detected, reloading", zap.String("path", cw.configPath))

	next, err := LoadFile(cw.configPath)
	if err != nil {
		cw.logger.Error("failed to reload config, keeping previous", zap.Error(err))
		return
	}
	if err := cw.watchFilesOf(next); err != nil {
		cw.logger.Warn("failed to watch new files", zap.Error(err))
	}
	cw.current.Store(next)

	cw.mu.Lock()
	for _, sub := range cw.subscribers {
		select {
		case <-sub:
		default:
		}
		sub <- next
	}
	cw.mu.Unlock()

	cw.logger.Info("configuration reloaded")
}

// Close stops watching. Subscriber channels are not closed.
func (cw *ConfigWatcher) Close() error {
	select {
	case <-cw.done:
		return nil
	default:
		close(cw.done)
	}
	return cw.watcher.Close()
}
