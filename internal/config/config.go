// Package config loads the server's JSON configuration file and the
// drive-assignment flags that accompany it on the command line.
//
// Grounded on the teacher's internal/config Load/Validate/Default idiom,
// cut down from its multi-tenant token policy to the drive table this
// server actually needs (spec.md §4.2/§6 CLI surface).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DriveEntry is one pre-assigned drive (spec.md's "-A<drv>=[<provider>:]<path>"
// CLI flag, or its JSON equivalent for drives that should always be
// present at startup).
type DriveEntry struct {
	Drive    int    `json:"drive"`
	Provider string `json:"provider,omitempty"` // "fs" (default), "di", "http", "ftp", "tcp"
	Location string `json:"location"`
}

// Config controls server-wide behavior: transport, limits, logging, and
// the drives assigned at startup.
type Config struct {
	// Transport is how the host connects: "stdio" (pipe), "tcp:<addr>", or
	// "serial:<device>". Most deployments use stdio under a USB-serial bridge
	// supervisor process; tcp is provided for development and testing.
	Transport string `json:"transport"`

	Drives []DriveEntry `json:"drives"`

	// MaxPayload bounds a single packet payload (spec.md §6 wire protocol);
	// must not exceed wire.MaxPayload.
	MaxPayload int `json:"max_payload"`

	// LogLevel is a logrus level name: "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`
	// LogFile, if set, additionally writes logs to this path.
	LogFile string `json:"log_file"`

	// ServerName is reported by the INFO opcode's status line.
	ServerName string `json:"server_name"`
}

func Default() Config {
	return Config{
		Transport:  "stdio",
		Drives:     nil,
		MaxPayload: 254,
		LogLevel:   "info",
		ServerName: "fsserver",
	}
}

// Load reads a JSON config file, falling back to Default() values for any
// field the file omits. An empty path returns the default configuration
// unchanged, matching the teacher's "no config file needed" convenience.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Transport == "" {
		c.Transport = "stdio"
	}
	if c.MaxPayload <= 0 || c.MaxPayload > 254 {
		c.MaxPayload = 254
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ServerName == "" {
		c.ServerName = "fsserver"
	}
	seen := map[int]bool{}
	for _, d := range c.Drives {
		if d.Drive < 0 || d.Drive > 15 {
			return fmt.Errorf("config: drive number %d out of range 0..15", d.Drive)
		}
		if seen[d.Drive] {
			return fmt.Errorf("config: duplicate drive %d", d.Drive)
		}
		seen[d.Drive] = true
		if strings.TrimSpace(d.Location) == "" {
			return fmt.Errorf("config: drive %d has empty location", d.Drive)
		}
	}
	return nil
}

// ParseAssign parses the CLI "-A<drv>=[<provider>:]<path>" flag body (the
// part after "-A") into a DriveEntry, per spec.md §6.
func ParseAssign(spec string) (DriveEntry, error) {
	eq := strings.IndexByte(spec, '=')
	if eq < 0 {
		return DriveEntry{}, fmt.Errorf("config: -A flag must be <drv>=[<provider>:]<path>, got %q", spec)
	}
	drv := spec[:eq]
	rest := spec[eq+1:]
	var n int
	if _, err := fmt.Sscanf(drv, "%d", &n); err != nil || n < 0 || n > 15 {
		return DriveEntry{}, fmt.Errorf("config: invalid drive number %q", drv)
	}

	provider := ""
	location := rest
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		candidate := rest[:colon]
		if isKnownScheme(candidate) {
			provider = candidate
			location = rest[colon+1:]
		}
	}
	if location == "" {
		return DriveEntry{}, fmt.Errorf("config: -A flag for drive %d has empty location", n)
	}
	return DriveEntry{Drive: n, Provider: provider, Location: location}, nil
}

func isKnownScheme(s string) bool {
	switch s {
	case "fs", "di", "http", "ftp", "tcp":
		return true
	default:
		return false
	}
}
