package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GDBRELAY"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	GDB      GDBConfig      `yaml:"gdb" split_words:"true"`
	Session  SessionConfig  `yaml:"session"`
	Files    FilesConfig    `yaml:"files"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Journal  JournalConfig  `yaml:"journal"`
	Logging  LoggingConfig  `yaml:"logging"`

	ConfigPath string `yaml:"-" ignored:"true"`
}

type ServerConfig struct {
	Host  string `yaml:"host" split_words:"true"`
	Port  int    `yaml:"port" split_words:"true"`
	Token string `yaml:"token" split_words:"true"`
}

type GDBConfig struct {
	Path string `yaml:"path" split_words:"true"`
	// Args are extra debugger arguments in shell syntax, appended after
	// the built-in MI flags.
	Args         string        `yaml:"args" split_words:"true"`
	StopTimeout  time.Duration `yaml:"stop_timeout" split_words:"true"`
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
}

type SessionConfig struct {
	HistorySize int `yaml:"history_size" split_words:"true"`
	ReplaySize  int `yaml:"replay_size" split_words:"true"`
}

type FilesConfig struct {
	Root    string `yaml:"root" split_words:"true"`
	MaxSize int64  `yaml:"max_size" split_words:"true"`
}

type AnalysisConfig struct {
	URL     string        `yaml:"url" split_words:"true"`
	Timeout time.Duration `yaml:"timeout" split_words:"true"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Path    string `yaml:"path" split_words:"true"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" split_words:"true"`
	Development bool   `yaml:"development" split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8001,
		},
		GDB: GDBConfig{
			Path:         "gdb",
			StopTimeout:  time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Session: SessionConfig{
			HistorySize: 50,
			ReplaySize:  10,
		},
		Files: FilesConfig{
			Root:    root,
			MaxSize: 1 << 20,
		},
		Analysis: AnalysisConfig{
			URL:     "http://localhost:8002",
			Timeout: 120 * time.Second,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath is ~/.config/gdbrelay/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "gdbrelay", "config.yaml"), nil
}

// Load layers defaults, the YAML file at path (DefaultPath when empty) and
// GDBRELAY_* environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg.ConfigPath = path

	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(filepath.Dir(cfg.ConfigPath), "journal.db")
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Server.Port)
	}
	if c.GDB.Path == "" {
		return errors.New("gdb path must not be empty")
	}
	if _, err := c.GDB.ExtraArgs(); err != nil {
		return fmt.Errorf("invalid gdb args %q: %w", c.GDB.Args, err)
	}
	if c.GDB.StopTimeout <= 0 {
		return fmt.Errorf("invalid gdb stop timeout %s", c.GDB.StopTimeout)
	}
	if c.GDB.PollInterval <= 0 {
		return fmt.Errorf("invalid gdb poll interval %s", c.GDB.PollInterval)
	}
	if c.Session.HistorySize < 1 {
		return fmt.Errorf("invalid history size %d", c.Session.HistorySize)
	}
	if c.Session.ReplaySize < 0 || c.Session.ReplaySize > c.Session.HistorySize {
		return fmt.Errorf("invalid replay size %d: must be between 0 and %d", c.Session.ReplaySize, c.Session.HistorySize)
	}
	if c.Files.MaxSize <= 0 {
		return fmt.Errorf("invalid max file size %d", c.Files.MaxSize)
	}
	return nil
}

// ExtraArgs splits Args using shell quoting rules.
func (g GDBConfig) ExtraArgs() ([]string, error) {
	return shellquote.Split(g.Args)
}

// EnsureToken generates and persists an auth token when none is configured.
func (c *Config) EnsureToken() error {
	if c.Server.Token != "" {
		return nil
	}
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	c.Server.Token = token
	if err := c.saveToFile(); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid yaml in %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
