package config

import "sync"

// Watcher defines the behavior we expect from any configuration watcher
type Watcher interface {
	GetCurrentConfig() *Config
	Subscribe() <-chan *Config
	Close() error
}

var _ Watcher = (*StaticWatcher)(nil)

// StaticWatcher serves one configuration that never changes. It is used
// when the gateway runs without a config file.
type StaticWatcher struct {
	cfg  *Config
	ch   chan *Config
	once sync.Once
}

// NewStaticWatcher returns a Watcher for cfg.
func NewStaticWatcher(cfg *Config) *StaticWatcher {
	return &StaticWatcher{cfg: cfg, ch: make(chan *Config)}
}

func (w *StaticWatcher) GetCurrentConfig() *Config { return w.cfg }

// Subscribe returns a channel that is closed by Close and never receives.
func (w *StaticWatcher) Subscribe() <-chan *Config { return w.ch }

func (w *StaticWatcher) Close() error {
	w.once.Do(func() { close(w.ch) })
	return nil
}
