// Package config loads docker2vm settings from defaults, an optional YAML
// file, DOCKER2VM_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AppName        = "docker2vm"
	EnvPrefix      = "DOCKER2VM"
	ConfigFileName = "config.yaml"

	// GuestDirEnv is honored in addition to DOCKER2VM_GUEST_DIR.
	GuestDirEnv = "GONDOLIN_GUEST_DIR"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

type Config struct {
	CacheDir string         `mapstructure:"cache_dir"`
	Platform string         `mapstructure:"platform"`
	Guest    GuestConfig    `mapstructure:"guest"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      LogConfig      `mapstructure:"log"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type GuestConfig struct {
	// Dir pins the guest asset directory. Empty means discover it below CacheRoot.
	Dir       string `mapstructure:"dir"`
	CacheRoot string `mapstructure:"cache_root"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path defaults to history.db inside the cache dir.
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RegistryConfig struct {
	// Timeout bounds each registry request including the body transfer. Zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
}

// HistoryPath is the sqlite database recording conversions.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.CacheDir, "history.db")
}

// LoadOptions selects the config file and the flags layered on top of it.
type LoadOptions struct {
	// ConfigFile is used exclusively when set and must exist.
	ConfigFile string
	// ConfigDir overrides the directory searched for config.yaml.
	ConfigDir string
	// Flags maps config keys to command line flags.
	Flags map[string]*pflag.Flag
}

// Load resolves the configuration. It returns the config file that was read,
// or "" when only defaults and the environment apply.
func Load(opts LoadOptions) (*Config, string, error) {
	v, err := newViper()
	if err != nil {
		return nil, "", err
	}

	resolved, err := readConfigFile(v, opts)
	if err != nil {
		return nil, "", err
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", issue.Wrap(issue.KindUsage, ErrInvalidConfig, err,
			"failed to parse configuration",
			"Check the value types in "+displayPath(resolved)+".")
	}

	if cfg.Guest.Dir == "" {
		cfg.Guest.Dir = strings.TrimSpace(os.Getenv(GuestDirEnv))
	}

	return &cfg, resolved, nil
}

func newViper() (*viper.Viper, error) {
	cacheHome, err := cacheHome()
	if err != nil {
		return nil, err
	}
	cacheDir := filepath.Join(cacheHome, AppName)

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache_dir", cacheDir)
	v.SetDefault("platform", "")
	v.SetDefault("guest.dir", "")
	v.SetDefault("guest.cache_root", filepath.Join(cacheHome, "gondolin"))
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("registry.timeout", 30*time.Minute)

	return v, nil
}

func readConfigFile(v *viper.Viper, opts LoadOptions) (string, error) {
	if opts.ConfigFile != "" {
		if _, err := os.Stat(opts.ConfigFile); err != nil {
			return "", issue.Wrap(issue.KindUsage, ErrConfigNotFound, err,
				fmt.Sprintf("config file not found: %s", opts.ConfigFile),
				"Verify the --config path is correct.")
		}
		return opts.ConfigFile, readInto(v, opts.ConfigFile)
	}

	dir := opts.ConfigDir
	if dir == "" {
		var err error
		if dir, err = Dir(); err != nil {
			return "", err
		}
	}

	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); err != nil {
		// no config file, defaults and environment only
		return "", nil
	}
	return path, readInto(v, path)
}

func readInto(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return issue.Wrap(issue.KindUsage, ErrInvalidConfig, err,
			fmt.Sprintf("failed to read config file %s", path),
			"Check that the file contains valid YAML.")
	}
	return nil
}

// Dir returns $XDG_CONFIG_HOME/docker2vm, defaulting to ~/.config/docker2vm.
func Dir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return filepath.Join(dir, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", AppName), nil
}

func cacheHome() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); dir != "" {
		return filepath.Abs(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cache"), nil
}

func displayPath(path string) string {
	if path == "" {
		return "the environment"
	}
	return path
}
