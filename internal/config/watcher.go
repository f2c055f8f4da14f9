package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches the active config file and reloads it on
// change.
//
// Caveats: there is a brief inconsistent-state window between a file
// write and the reload completing; ValidateConfigChange exists to
// reject reloads that touch fields this stack cannot apply without a
// restart.
type ConfigWatcher struct {
	configPath  string
	config      *Config
	loader      *ConfigLoader
	watcher     *fsnotify.Watcher
	callbacks   []ConfigChangeCallback
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	reloadDelay time.Duration
	lastReload  time.Time
}

// ConfigChangeCallback is invoked after a successful reload, before
// the new config replaces the old one.
type ConfigChangeCallback func(oldConfig, newConfig *Config) error

// NewConfigWatcher builds a watcher for the config file at configPath.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	loader := NewConfigLoader(filepath.Dir(configPath), "HERMES")
	loader.viper.SetConfigFile(configPath)

	return &ConfigWatcher{
		configPath:  configPath,
		loader:      loader,
		watcher:     watcher,
		callbacks:   make([]ConfigChangeCallback, 0),
		ctx:         ctx,
		cancel:      cancel,
		reloadDelay: 1 * time.Second,
	}, nil
}

// Start loads the initial config and begins watching its file.
func (cw *ConfigWatcher) Start() error {
	config, err := cw.loader.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	configFile := cw.loader.GetConfigPath()
	if configFile == "" {
		return fmt.Errorf("config file path is empty")
	}

	if err := cw.watcher.Add(configFile); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", configFile, err)
	}

	go cw.watchLoop()

	return nil
}

// Stop ends the watch loop and releases the underlying fsnotify
// watcher.
func (cw *ConfigWatcher) Stop() error {
	cw.cancel()
	return cw.watcher.Close()
}

// GetConfig returns the most recently loaded configuration.
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// AddCallback registers a callback invoked on every successful reload.
func (cw *ConfigWatcher) AddCallback(callback ConfigChangeCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case <-cw.ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleFileEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			fmt.Printf("config watcher error: %v\n", err)
		}
	}
}

func (cw *ConfigWatcher) handleFileEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Write != fsnotify.Write && event.Op&fsnotify.Create != fsnotify.Create {
		return
	}

	now := time.Now()
	if now.Sub(cw.lastReload) < cw.reloadDelay {
		return
	}
	cw.lastReload = now

	// delay the reload briefly so an editor's write is fully flushed
	// before we re-read the file.
	time.AfterFunc(cw.reloadDelay, func() {
		if err := cw.reloadConfig(); err != nil {
			fmt.Printf("failed to reload config: %v\n", err)
		}
	})
}

func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := cw.loader.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	cw.mu.RLock()
	oldConfig := cw.config
	cw.mu.RUnlock()

	for _, callback := range cw.callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("config change callback failed: %w", err)
		}
	}

	cw.mu.Lock()
	cw.config = newConfig
	cw.mu.Unlock()

	fmt.Println("config reloaded successfully")
	return nil
}

// WatchConfig builds, starts, and returns a ConfigWatcher with
// callback registered, a convenience wrapper around
// NewConfigWatcher/AddCallback/Start.
func WatchConfig(configPath string, callback ConfigChangeCallback) (*ConfigWatcher, error) {
	watcher, err := NewConfigWatcher(configPath)
	if err != nil {
		return nil, err
	}

	if callback != nil {
		watcher.AddCallback(callback)
	}

	if err := watcher.Start(); err != nil {
		return nil, err
	}

	return watcher, nil
}

// DefaultConfigChangeCallback logs the version change; callers wanting
// more (reinitializing a connection, adjusting log level) register
// their own callback alongside or instead of this one.
func DefaultConfigChangeCallback(oldConfig, newConfig *Config) error {
	fmt.Printf("config changed: %s -> %s\n", oldConfig.App.Version, newConfig.App.Version)
	return nil
}

// ValidateConfigChange rejects a reload that would change settings this
// stack cannot apply without a restart (interface addressing is wired
// into ipstack/arpstack at startup, not re-read on reload).
func ValidateConfigChange(oldConfig, newConfig *Config) error {
	if len(oldConfig.Interfaces) != len(newConfig.Interfaces) {
		return fmt.Errorf("interface count cannot be changed during runtime")
	}
	for i := range oldConfig.Interfaces {
		if oldConfig.Interfaces[i].Name != newConfig.Interfaces[i].Name {
			return fmt.Errorf("interface %d name cannot be changed during runtime", i)
		}
	}

	if newConfig.Stack.PoolSlots <= 0 {
		return fmt.Errorf("invalid pool slot count: %d", newConfig.Stack.PoolSlots)
	}

	return nil
}
