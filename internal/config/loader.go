package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ConfigLoader loads configuration from a file plus environment
// variable overrides using viper.
type ConfigLoader struct {
	configPath string
	envPrefix  string
	viper      *viper.Viper
}

// NewConfigLoader builds a loader searching configPath for a config
// file and binding environment variables under envPrefix.
func NewConfigLoader(configPath, envPrefix string) *ConfigLoader {
	if envPrefix == "" {
		envPrefix = "HERMES"
	}
	return &ConfigLoader{
		configPath: configPath,
		envPrefix:  envPrefix,
		viper:      viper.New(),
	}
}

// LoadConfig loads, defaults, and validates the configuration.
func (cl *ConfigLoader) LoadConfig() (*Config, error) {
	cl.viper.SetConfigType("yaml")

	cl.viper.SetEnvPrefix(cl.envPrefix)
	cl.viper.AutomaticEnv()
	cl.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cl.bindEnvVars()
	cl.setDefaults()

	if err := cl.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	var config Config
	if err := cl.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// loadConfigFile locates and reads the config file, tolerating its
// absence (the caller falls back to defaults).
func (cl *ConfigLoader) loadConfigFile() error {
	if cl.configPath == "" {
		if envPath := os.Getenv("HERMES_CONFIG_PATH"); envPath != "" {
			cl.configPath = envPath
		} else {
			cl.configPath = "./configs"
		}
	}

	cl.viper.AddConfigPath(cl.configPath)
	cl.viper.AddConfigPath("./configs")
	cl.viper.AddConfigPath(".")
	cl.viper.SetConfigName("config")

	if err := cl.viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			return nil
		}
		return err
	}
	return nil
}

// bindEnvVars binds the environment variables this config's fields
// can be overridden by, beyond viper's automatic prefix matching (the
// slice-valued Interfaces field can't be bound this way).
func (cl *ConfigLoader) bindEnvVars() {
	cl.viper.BindEnv("app.name", "HERMES_APP_NAME")
	cl.viper.BindEnv("app.environment", "HERMES_APP_ENVIRONMENT")
	cl.viper.BindEnv("app.debug", "HERMES_APP_DEBUG")

	cl.viper.BindEnv("log.level", "HERMES_LOG_LEVEL")
	cl.viper.BindEnv("log.file_path", "HERMES_LOG_FILE_PATH")

	cl.viper.BindEnv("dns.server", "HERMES_DNS_SERVER")
	cl.viper.BindEnv("smtp.server", "HERMES_SMTP_SERVER")
}

// setDefaults seeds viper's own default table so values are present
// even before Config.setDefaults runs on the unmarshaled struct.
func (cl *ConfigLoader) setDefaults() {
	cl.viper.SetDefault("app.name", "hermesd")
	cl.viper.SetDefault("app.version", "1.0.0")
	cl.viper.SetDefault("app.environment", "development")
	cl.viper.SetDefault("app.debug", false)

	cl.viper.SetDefault("log.level", "info")
	cl.viper.SetDefault("log.format", "json")
	cl.viper.SetDefault("log.output", "stdout")
	cl.viper.SetDefault("log.file_path", "./logs/hermesd.log")
	cl.viper.SetDefault("log.max_size", 100)
	cl.viper.SetDefault("log.max_backups", 3)
	cl.viper.SetDefault("log.max_age", 28)
	cl.viper.SetDefault("log.compress", true)
	cl.viper.SetDefault("log.caller", true)

	cl.viper.SetDefault("stack.pool_slots", 16)
	cl.viper.SetDefault("stack.slot_capacity", 1500)

	cl.viper.SetDefault("smtp.helo_name", "hermes")
}

// GetConfigPath returns the config file viper actually read, empty if
// none was found.
func (cl *ConfigLoader) GetConfigPath() string {
	return cl.viper.ConfigFileUsed()
}

// LoadConfigFromFile loads configuration from one specific file path.
func LoadConfigFromFile(configFile string) (*Config, error) {
	configPath := filepath.Dir(configFile)
	loader := NewConfigLoader(configPath, "HERMES")
	loader.viper.SetConfigFile(configFile)
	return loader.LoadConfig()
}
