package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"safemod/internal/logging"
)

// Config holds safemod paths and safety tuning.
type Config struct {
	HomeDir    string `yaml:"-"`
	SafemodDir string `yaml:"-"`

	BackupDir    string `yaml:"backup_dir"`
	DatabasePath string `yaml:"database_path"`

	MaxCheckpoints     int   `yaml:"max_checkpoints"`
	CompressBackups    bool  `yaml:"compress_backups"`
	CompressionLevel   int   `yaml:"compression_level"`
	LargeFileThreshold int64 `yaml:"large_file_threshold"`

	MaxOperations          int           `yaml:"max_operations"`
	RollbackForceOverwrite bool          `yaml:"rollback_force_overwrite"`
	WatchDrift             bool          `yaml:"watch_drift"`
	DriftDebounce          time.Duration `yaml:"drift_debounce"`

	Log logging.Config `yaml:"log"`
}

// Load creates a Config instance with resolved paths and defaults
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return defaults(home, filepath.Join(home, ".safemod")), nil
}

// LoadDir creates a Config rooted at dir instead of the home directory.
func LoadDir(dir string) *Config {
	return defaults(filepath.Dir(dir), dir)
}

func defaults(home, dir string) *Config {
	return &Config{
		HomeDir:                home,
		SafemodDir:             dir,
		BackupDir:              filepath.Join(dir, "backups"),
		DatabasePath:           filepath.Join(dir, "safemod.db"),
		MaxCheckpoints:         50,
		CompressionLevel:       3,
		LargeFileThreshold:     1 << 20,
		MaxOperations:          1000,
		RollbackForceOverwrite: true,
		DriftDebounce:          100 * time.Millisecond,
		Log: logging.Config{
			Level: "info",
			Dir:   filepath.Join(dir, "logs"),
		},
	}
}

// LoadFile overlays the YAML document at path onto c. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return c.Validate()
}

// Validate checks that limits are usable.
func (c *Config) Validate() error {
	if c.MaxCheckpoints <= 0 {
		return fmt.Errorf("max_checkpoints must be positive, got %d", c.MaxCheckpoints)
	}
	if c.MaxOperations <= 0 {
		return fmt.Errorf("max_operations must be positive, got %d", c.MaxOperations)
	}
	if c.LargeFileThreshold <= 0 {
		return fmt.Errorf("large_file_threshold must be positive, got %d", c.LargeFileThreshold)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		return fmt.Errorf("compression_level must be between 1 and 22, got %d", c.CompressionLevel)
	}
	if c.BackupDir == "" {
		return errors.New("backup_dir must be set")
	}
	return nil
}

// EnsureDirs creates the directories the config points at.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.SafemodDir, c.BackupDir, filepath.Dir(c.DatabasePath)}
	if c.Log.Dir != "" {
		dirs = append(dirs, c.Log.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// DefaultFile returns the config file path used when none is given.
func (c *Config) DefaultFile() string {
	return filepath.Join(c.SafemodDir, "config.yaml")
}
