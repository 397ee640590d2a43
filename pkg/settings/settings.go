// Package settings manages persistent user settings for the newtops CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Settings holds persistent user preferences
type Settings struct {
	// ConfigPath is the run config used when -c is not specified
	ConfigPath string `json:"config_path,omitempty"`

	// ReportDir overrides report.dir from the run config
	ReportDir string `json:"report_dir,omitempty"`

	// Workers overrides the worker count from the run config
	Workers int `json:"workers,omitempty"`

	// MetricsAddr is the default --metrics-addr for monitor
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// DefaultConfigPath is used when neither -c nor config_path is set.
const DefaultConfigPath = "newtops.yaml"

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newtops_settings.json"
	}
	return filepath.Join(home, ".newtops", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the run config path (with fallback)
func (s *Settings) GetConfigPath() string {
	if s.ConfigPath != "" {
		return s.ConfigPath
	}
	return DefaultConfigPath
}

// Keys returns the names accepted by Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var setters = map[string]func(s *Settings, v string) error{
	"config_path": func(s *Settings, v string) error {
		s.ConfigPath = v
		return nil
	},
	"report_dir": func(s *Settings, v string) error {
		s.ReportDir = v
		return nil
	},
	"workers": func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("workers must be a non-negative integer, got %q", v)
		}
		s.Workers = n
		return nil
	},
	"metrics_addr": func(s *Settings, v string) error {
		s.MetricsAddr = v
		return nil
	},
}

// Set assigns a setting by its JSON key.
func (s *Settings) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown setting %q (valid: %v)", key, Keys())
	}
	return set(s, value)
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
