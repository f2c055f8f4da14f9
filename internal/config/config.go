// Package config loads and validates the stack's runtime configuration:
// application metadata, logging, buffer pool sizing, per-interface
// addressing, and the DNS/SMTP defaults the client packages use when a
// caller doesn't override them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the stack's full runtime configuration.
type Config struct {
	App        *AppConfig        `yaml:"app" mapstructure:"app"`
	Log        *LogConfig        `yaml:"log" mapstructure:"log"`
	Stack      *StackConfig      `yaml:"stack" mapstructure:"stack"`
	Interfaces []InterfaceConfig `yaml:"interfaces" mapstructure:"interfaces"`
	DNS        *DNSConfig        `yaml:"dns" mapstructure:"dns"`
	SMTP       *SMTPConfig       `yaml:"smtp" mapstructure:"smtp"`
}

// AppConfig carries application identity, independent of any one
// interface or protocol.
type AppConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Version     string `yaml:"version" mapstructure:"version"`
	Environment string `yaml:"environment" mapstructure:"environment"`
	Debug       bool   `yaml:"debug" mapstructure:"debug"`
}

// LogConfig controls the logrus/lumberjack logging pipeline.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`             // debug/info/warn/error
	Format     string `yaml:"format" mapstructure:"format"`           // json/text
	Output     string `yaml:"output" mapstructure:"output"`           // stdout/file/both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // megabytes
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
	Caller     bool   `yaml:"caller" mapstructure:"caller"`
}

// StackConfig carries buffer pool sizing. Its fields are defaulted and
// validated here, but internal/stack does not read them: it builds its
// pool from its own constants (16 slots of 1500 bytes).
type StackConfig struct {
	PoolSlots    int `yaml:"pool_slots" mapstructure:"pool_slots"`
	SlotCapacity int `yaml:"slot_capacity" mapstructure:"slot_capacity"`
}

// InterfaceConfig addresses one link interface. MAC and the dotted
// addresses are parsed at startup, not here, so this struct stays a
// plain serializable value.
type InterfaceConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	MAC     string `yaml:"mac" mapstructure:"mac"`
	Address string `yaml:"address" mapstructure:"address"`
	Mask    string `yaml:"mask" mapstructure:"mask"`
	Gateway string `yaml:"gateway" mapstructure:"gateway"`
	DHCP    bool   `yaml:"dhcp" mapstructure:"dhcp"`
	// TunnelPeer, if set, addresses the remote end of a UDP-tunneled
	// Ethernet link (host:port); an interface with no TunnelPeer uses
	// an in-memory loopback driver instead (self-test mode).
	TunnelPeer string `yaml:"tunnel_peer" mapstructure:"tunnel_peer"`
}

// DNSConfig names the default resolver used when a caller doesn't
// supply one.
type DNSConfig struct {
	Server string `yaml:"server" mapstructure:"server"`
}

// SMTPConfig names the default outbound mail relay and a HELO name.
// HeloName is defaulted here but not read by internal/smtpclient,
// whose HELO always presents "hermes".
type SMTPConfig struct {
	Server   string `yaml:"server" mapstructure:"server"`
	HeloName string `yaml:"helo_name" mapstructure:"helo_name"`
}

// LoadConfig loads the configuration from configPath (or the loader's
// default search path if empty), caching it as the global config. A
// non-empty configPath names a specific file, same as
// LoadConfigFromFile; an empty one falls back to the loader's own
// search path (./configs, then .).
func LoadConfig(configPath ...string) (*Config, error) {
	var path string
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var config *Config
	var err error
	if path != "" {
		config, err = LoadConfigFromFile(path)
	} else {
		config, err = NewConfigLoader("", "HERMES").LoadConfig()
	}
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// setDefaults fills in zero-valued fields with the stack's built-in
// defaults, called after unmarshal so an absent config file still
// yields a usable Config.
func setDefaults(config *Config) {
	if config.App == nil {
		config.App = &AppConfig{}
	}
	if config.App.Name == "" {
		config.App.Name = "hermesd"
	}
	if config.App.Version == "" {
		config.App.Version = "1.0.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "development"
	}

	if config.Log == nil {
		config.Log = &LogConfig{}
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "json"
	}
	if config.Log.Output == "" {
		config.Log.Output = "stdout"
	}
	if config.Log.FilePath == "" {
		config.Log.FilePath = "logs/hermesd.log"
	}
	if config.Log.MaxSize == 0 {
		config.Log.MaxSize = 100
	}
	if config.Log.MaxBackups == 0 {
		config.Log.MaxBackups = 3
	}
	if config.Log.MaxAge == 0 {
		config.Log.MaxAge = 28
	}

	if config.Stack == nil {
		config.Stack = &StackConfig{}
	}
	if config.Stack.PoolSlots == 0 {
		config.Stack.PoolSlots = 16
	}
	if config.Stack.SlotCapacity == 0 {
		config.Stack.SlotCapacity = 1500
	}

	if config.DNS == nil {
		config.DNS = &DNSConfig{}
	}

	if config.SMTP == nil {
		config.SMTP = &SMTPConfig{}
	}
	if config.SMTP.HeloName == "" {
		config.SMTP.HeloName = "hermes"
	}
}

// validateConfig checks the fields LoadConfig cannot recover a sane
// default for.
func validateConfig(config *Config) error {
	if config.Stack.PoolSlots <= 0 {
		return fmt.Errorf("invalid pool slot count: %d", config.Stack.PoolSlots)
	}
	if config.Stack.SlotCapacity <= 0 {
		return fmt.Errorf("invalid slot capacity: %d", config.Stack.SlotCapacity)
	}
	for i, iface := range config.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("interface %d: name is required", i)
		}
		if !iface.DHCP && iface.Address == "" {
			return fmt.Errorf("interface %q: address is required when dhcp is disabled", iface.Name)
		}
	}

	if config.Log.Output == "file" || config.Log.Output == "both" {
		if err := ensureDir(filepath.Dir(config.Log.FilePath)); err != nil {
			return fmt.Errorf("failed to prepare log directory: %w", err)
		}
	}
	return nil
}

// ensureDir creates dir (and any parents) if it doesn't already exist.
func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	return os.MkdirAll(absDir, 0755)
}

var globalConfig *Config

// GetConfig returns the process-wide configuration, loading it with
// defaults on first use.
func GetConfig() *Config {
	if globalConfig == nil {
		var err error
		globalConfig, err = LoadConfig("")
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
	}
	return globalConfig
}

// ReloadConfig reloads and replaces the process-wide configuration.
func ReloadConfig() error {
	newConfig, err := LoadConfig("")
	if err != nil {
		return err
	}
	globalConfig = newConfig
	return nil
}
