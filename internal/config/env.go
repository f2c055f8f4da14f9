package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvManager reads environment variables under a fixed prefix.
type EnvManager struct {
	prefix string
}

// NewEnvManager builds a manager reading HERMES_<KEY> by default.
func NewEnvManager(prefix string) *EnvManager {
	if prefix == "" {
		prefix = "HERMES"
	}
	return &EnvManager{
		prefix: prefix,
	}
}

// GetString reads a string environment variable, falling back to
// defaultValue.
func (em *EnvManager) GetString(key, defaultValue string) string {
	envKey := em.buildEnvKey(key)
	value := os.Getenv(envKey)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt reads an integer environment variable.
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	envKey := em.buildEnvKey(key)
	value := os.Getenv(envKey)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// GetBool reads a boolean environment variable.
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	envKey := em.buildEnvKey(key)
	value := os.Getenv(envKey)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

// GetDuration reads a duration environment variable (Go duration
// syntax, e.g. "5s").
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	envKey := em.buildEnvKey(key)
	value := os.Getenv(envKey)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// buildEnvKey prefixes key with the manager's envPrefix.
func (em *EnvManager) buildEnvKey(key string) string {
	if em.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s_%s", em.prefix, key)
}

// EnvLoader loads environment variables from one or more .env files,
// then exposes typed accessors over the process environment.
type EnvLoader struct {
	envFiles []string
	loaded   bool
}

// NewEnvLoader builds a loader over the given .env file paths,
// defaulting to ".env".
func NewEnvLoader(envFiles ...string) *EnvLoader {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	return &EnvLoader{
		envFiles: envFiles,
		loaded:   false,
	}
}

// Load reads each configured .env file into the process environment.
// A missing file is not an error.
func (e *EnvLoader) Load() error {
	if e.loaded {
		return nil
	}

	for _, envFile := range e.envFiles {
		if err := e.loadEnvFile(envFile); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
		}
	}

	e.loaded = true
	return nil
}

func (e *EnvLoader) loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	return nil
}

// GetString reads a string environment variable.
func (e *EnvLoader) GetString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetInt reads an integer environment variable.
func (e *EnvLoader) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetInt64 reads a 64-bit integer environment variable.
func (e *EnvLoader) GetInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetFloat64 reads a floating-point environment variable.
func (e *EnvLoader) GetFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetBool reads a boolean environment variable.
func (e *EnvLoader) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration reads a duration environment variable.
func (e *EnvLoader) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice reads a comma-separated environment variable.
func (e *EnvLoader) GetStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// GetIntSlice reads a comma-separated integer environment variable.
func (e *EnvLoader) GetIntSlice(key string, defaultValue []int) []int {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]int, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				if intValue, err := strconv.Atoi(trimmed); err == nil {
					result = append(result, intValue)
				}
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// GetPath reads a path environment variable, resolving it to an
// absolute path.
func (e *EnvLoader) GetPath(key, defaultValue string) string {
	path := e.GetString(key, defaultValue)
	if path == "" {
		return ""
	}

	if !filepath.IsAbs(path) {
		if absPath, err := filepath.Abs(path); err == nil {
			return absPath
		}
	}

	return path
}

// IsSet reports whether key is set in the process environment, even
// to an empty string.
func (e *EnvLoader) IsSet(key string) bool {
	_, exists := os.LookupEnv(key)
	return exists
}

// MustGetString reads a required string environment variable.
func (e *EnvLoader) MustGetString(key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("required environment variable %s is not set", key)
}

// MustGetInt reads a required integer environment variable.
func (e *EnvLoader) MustGetInt(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, fmt.Errorf("required environment variable %s is not set", key)
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s is not a valid integer: %w", key, err)
	}

	return intValue, nil
}

// MustGetBool reads a required boolean environment variable.
func (e *EnvLoader) MustGetBool(key string) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return false, fmt.Errorf("required environment variable %s is not set", key)
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("environment variable %s is not a valid boolean: %w", key, err)
	}

	return boolValue, nil
}

// MustGetDuration reads a required duration environment variable.
func (e *EnvLoader) MustGetDuration(key string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, fmt.Errorf("required environment variable %s is not set", key)
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s is not a valid duration: %w", key, err)
	}

	return duration, nil
}

// SetEnv sets an environment variable; mainly useful in tests.
func (e *EnvLoader) SetEnv(key, value string) error {
	return os.Setenv(key, value)
}

// UnsetEnv clears an environment variable; mainly useful in tests.
func (e *EnvLoader) UnsetEnv(key string) error {
	return os.Unsetenv(key)
}

// GetAllEnv returns the full process environment as a map.
func (e *EnvLoader) GetAllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}

// GetEnvWithPrefix returns every environment variable whose key starts
// with prefix, keyed by the name with prefix stripped.
func (e *EnvLoader) GetEnvWithPrefix(prefix string) map[string]string {
	envMap := make(map[string]string)
	for key, value := range e.GetAllEnv() {
		if strings.HasPrefix(key, prefix) {
			newKey := strings.TrimPrefix(key, prefix)
			if newKey != "" {
				envMap[newKey] = value
			}
		}
	}
	return envMap
}

// ValidateRequired checks that every key in requiredKeys is set.
func (e *EnvLoader) ValidateRequired(requiredKeys []string) error {
	var missingKeys []string

	for _, key := range requiredKeys {
		if !e.IsSet(key) {
			missingKeys = append(missingKeys, key)
		}
	}

	if len(missingKeys) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missingKeys, ", "))
	}

	return nil
}

var globalEnvLoader *EnvLoader

// InitGlobalEnvLoader initializes the package-wide env loader from the
// given .env files.
func InitGlobalEnvLoader(envFiles ...string) error {
	globalEnvLoader = NewEnvLoader(envFiles...)
	return globalEnvLoader.Load()
}

// GetGlobalEnvLoader returns the package-wide env loader, lazily
// initializing it with defaults on first use.
func GetGlobalEnvLoader() *EnvLoader {
	if globalEnvLoader == nil {
		globalEnvLoader = NewEnvLoader()
		_ = globalEnvLoader.Load()
	}
	return globalEnvLoader
}

// EnvString reads a string environment variable via the global loader.
func EnvString(key, defaultValue string) string {
	return GetGlobalEnvLoader().GetString(key, defaultValue)
}

// EnvInt reads an integer environment variable via the global loader.
func EnvInt(key string, defaultValue int) int {
	return GetGlobalEnvLoader().GetInt(key, defaultValue)
}

// EnvBool reads a boolean environment variable via the global loader.
func EnvBool(key string, defaultValue bool) bool {
	return GetGlobalEnvLoader().GetBool(key, defaultValue)
}

// EnvDuration reads a duration environment variable via the global
// loader.
func EnvDuration(key string, defaultValue time.Duration) time.Duration {
	return GetGlobalEnvLoader().GetDuration(key, defaultValue)
}

// EnvStringSlice reads a comma-separated environment variable via the
// global loader.
func EnvStringSlice(key string, defaultValue []string) []string {
	return GetGlobalEnvLoader().GetStringSlice(key, defaultValue)
}

// EnvPath reads a path environment variable via the global loader.
func EnvPath(key, defaultValue string) string {
	return GetGlobalEnvLoader().GetPath(key, defaultValue)
}
