// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultPort        uint16 = 9999
	DefaultControlAddr        = "127.0.0.1:9312"
	DefaultActionDelay        = 3 * time.Second
	DefaultLogLevel           = "info"
)

// Config for the remotepower daemon
type Config struct {
	Port                uint16        `yaml:"port"`
	MachineID           string        `yaml:"machine_id"`
	BindAddress         string        `yaml:"bind_address"` // empty = all interfaces
	ControlAddr         string        `yaml:"control_addr"` // empty disables the control API
	ActionDelay         time.Duration `yaml:"action_delay"`
	RebootCommand       []string      `yaml:"reboot_command"`
	ShutdownCommand     []string      `yaml:"shutdown_command"`
	DryRun              bool          `yaml:"dry_run"`
	CancelPendingOnStop bool          `yaml:"cancel_pending_on_stop"`
	Autostart           bool          `yaml:"autostart"`
	LogLevel            string        `yaml:"log_level"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Port:            DefaultPort,
		MachineID:       SanitizeMachineID(hostname),
		ControlAddr:     DefaultControlAddr,
		ActionDelay:     DefaultActionDelay,
		RebootCommand:   []string{"shutdown", "-r", "now"},
		ShutdownCommand: []string{"shutdown", "-h", "now"},
		Autostart:       true,
		LogLevel:        DefaultLogLevel,
	}
}

// Load loads config from a YAML file with env overrides.
// An empty path skips the file and uses defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("REMOTEPOWER_PORT"); v != "" {
		port, err := ParsePort(v)
		if err != nil {
			return fmt.Errorf("REMOTEPOWER_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("REMOTEPOWER_MACHINE_ID"); v != "" {
		cfg.MachineID = strings.TrimSpace(v)
	}
	if v := os.Getenv("REMOTEPOWER_CONTROL_ADDR"); v != "" {
		cfg.ControlAddr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REMOTEPOWER_DRY_RUN"); v != "" {
		dry, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("REMOTEPOWER_DRY_RUN: %w", err)
		}
		cfg.DryRun = dry
	}
	if v := os.Getenv("REMOTEPOWER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

// Validate reports the first problem with the configuration
func (c *Config) Validate() error {
	if err := ValidatePort(c.Port); err != nil {
		return err
	}
	if err := ValidateMachineID(c.MachineID); err != nil {
		return err
	}
	if c.ActionDelay < 0 {
		return fmt.Errorf("action_delay must not be negative, got %s", c.ActionDelay)
	}
	if len(c.RebootCommand) == 0 || c.RebootCommand[0] == "" {
		return errors.New("reboot_command must not be empty")
	}
	if len(c.ShutdownCommand) == 0 || c.ShutdownCommand[0] == "" {
		return errors.New("shutdown_command must not be empty")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the zap level for LogLevel, defaulting to info
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// ValidatePort rejects port 0, which would bind an unpredictable ephemeral port
func ValidatePort(port uint16) error {
	if port == 0 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

// ValidateMachineID rejects identifiers that cannot appear in a command path
func ValidateMachineID(id string) error {
	if id == "" {
		return errors.New("machine_id must not be empty")
	}
	if strings.ContainsAny(id, "/ \t\r\n") {
		return fmt.Errorf("machine_id %q must not contain '/' or whitespace", id)
	}
	return nil
}

// SanitizeMachineID turns a hostname into a usable machine identifier
func SanitizeMachineID(hostname string) string {
	// "office-mac.local" -> "office-mac"
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	hostname = strings.Map(func(r rune) rune {
		switch r {
		case '/', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, hostname)
	if hostname == "" {
		return "localhost"
	}
	return hostname
}

// ParsePort parses a decimal UDP port
func ParsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}
