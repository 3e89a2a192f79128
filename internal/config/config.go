// SPDX-License-Identifier: MIT

// Package config assembles the daemon configuration from three layers with
// strict precedence: environment variables override the optional YAML file,
// which overrides built-in defaults. Validation failures are fatal at
// startup; there is no partial configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
)

// EnvConfigFile names the optional YAML configuration file.
const EnvConfigFile = "GGNET_CONFIG_FILE"

// Config is the complete daemon configuration.
type Config struct {
	// StorageDir holds staging/ and images/ and must sit on one filesystem
	// so publication renames stay atomic.
	StorageDir string `yaml:"storage_dir"`
	// StateDBPath is the sqlite state database. Empty means
	// <storage_dir>/state.db.
	StateDBPath string `yaml:"state_db"`

	// TFTPRoot is where iPXE boot scripts and loader binaries live.
	TFTPRoot string `yaml:"tftp_root"`
	// DHCPFragmentDir receives per-machine host declaration fragments.
	DHCPFragmentDir string `yaml:"dhcp_fragment_dir"`
	// DHCPReloadCommand is run after fragment changes, split on whitespace.
	DHCPReloadCommand string `yaml:"dhcp_reload_command"`

	// ServerIP is the address clients reach for iSCSI and HTTP boot. It has
	// no default; the daemon refuses to guess.
	ServerIP string `yaml:"server_ip"`
	// BindAddr is the HTTP API listen address.
	BindAddr string `yaml:"bind_addr"`

	// IQNBase prefixes every generated target and initiator IQN.
	IQNBase string `yaml:"iqn_base"`
	// TargetCLI and QemuImg are the program names resolved at startup.
	TargetCLI string `yaml:"targetcli"`
	// QemuImg converts uploaded images to raw.
	QemuImg string `yaml:"qemu_img"`

	// HeartbeatTimeout is how long an ACTIVE session may go silent before
	// the sweeper times it out.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// SweepInterval is the timeout sweeper cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ConversionTimeout bounds one qemu-img invocation.
	ConversionTimeout time.Duration `yaml:"conversion_timeout"`
	// ConversionWorkers is the number of concurrent conversion loops.
	ConversionWorkers int `yaml:"conversion_workers"`
	// StaleClaimAge is when a CONVERTING claim is considered orphaned.
	StaleClaimAge time.Duration `yaml:"stale_claim_age"`
	// UploadIdleTimeout aborts an image upload whose stream stalls for this
	// long between chunks.
	UploadIdleTimeout time.Duration `yaml:"upload_idle_timeout"`

	// EventBufferSize bounds each event bus subscriber.
	EventBufferSize int `yaml:"event_buffer_size"`

	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StorageDir:        "/var/lib/ggnet",
		TFTPRoot:          "/srv/tftp",
		DHCPFragmentDir:   "/etc/dhcp/ggnet-hosts.d",
		DHCPReloadCommand: "systemctl reload dhcpd",
		BindAddr:          ":8080",
		IQNBase:           model.DefaultIQNBase,
		TargetCLI:         "targetcli",
		QemuImg:           "qemu-img",
		HeartbeatTimeout:  5 * time.Minute,
		SweepInterval:     30 * time.Second,
		ConversionTimeout: time.Hour,
		ConversionWorkers: 1,
		StaleClaimAge:     2 * time.Hour,
		UploadIdleTimeout: time.Minute,
		EventBufferSize:   64,
		LogLevel:          "info",
		Environment:       "production",
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by GGNET_CONFIG_FILE (if set), then environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.mergeEnv()

	if cfg.StateDBPath == "" {
		cfg.StateDBPath = cfg.StorageDir + "/state.db"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	logger := log.WithComponent("config")
	logger.Info().Str("path", path).Msg("loaded configuration file")
	return nil
}

func (c *Config) mergeEnv() {
	c.StorageDir = ParseString("GGNET_STORAGE_DIR", c.StorageDir)
	c.StateDBPath = ParseString("GGNET_STATE_DB", c.StateDBPath)
	c.TFTPRoot = ParseString("GGNET_TFTP_ROOT", c.TFTPRoot)
	c.DHCPFragmentDir = ParseString("GGNET_DHCP_FRAGMENT_DIR", c.DHCPFragmentDir)
	c.DHCPReloadCommand = ParseString("GGNET_DHCP_RELOAD_CMD", c.DHCPReloadCommand)
	c.ServerIP = ParseString("GGNET_SERVER_IP", c.ServerIP)
	c.BindAddr = ParseString("GGNET_BIND_ADDR", c.BindAddr)
	c.IQNBase = ParseString("GGNET_IQN_BASE", c.IQNBase)
	c.TargetCLI = ParseString("GGNET_TARGETCLI", c.TargetCLI)
	c.QemuImg = ParseString("GGNET_QEMU_IMG", c.QemuImg)
	c.HeartbeatTimeout = ParseDuration("GGNET_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.SweepInterval = ParseDuration("GGNET_SWEEP_INTERVAL", c.SweepInterval)
	c.ConversionTimeout = ParseDuration("GGNET_CONVERSION_TIMEOUT", c.ConversionTimeout)
	c.ConversionWorkers = ParseInt("GGNET_CONVERSION_WORKERS", c.ConversionWorkers)
	c.StaleClaimAge = ParseDuration("GGNET_STALE_CLAIM_AGE", c.StaleClaimAge)
	c.UploadIdleTimeout = ParseDuration("GGNET_UPLOAD_IDLE_TIMEOUT", c.UploadIdleTimeout)
	c.EventBufferSize = ParseInt("GGNET_EVENT_BUFFER_SIZE", c.EventBufferSize)
	c.LogLevel = ParseString("GGNET_LOG_LEVEL", c.LogLevel)
	c.Environment = ParseString("GGNET_ENVIRONMENT", c.Environment)
}

var iqnBaseRe = regexp.MustCompile(`^iqn\.\d{4}-\d{2}\.[a-z0-9.\-]+$`)

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	var problems []string

	if c.StorageDir == "" {
		problems = append(problems, "storage_dir must not be empty")
	}
	if c.TFTPRoot == "" {
		problems = append(problems, "tftp_root must not be empty")
	}
	if c.DHCPFragmentDir == "" {
		problems = append(problems, "dhcp_fragment_dir must not be empty")
	}
	if strings.TrimSpace(c.DHCPReloadCommand) == "" {
		problems = append(problems, "dhcp_reload_command must not be empty")
	}

	if c.ServerIP == "" {
		problems = append(problems, "server_ip is required (GGNET_SERVER_IP)")
	} else if ip := net.ParseIP(c.ServerIP); ip == nil {
		problems = append(problems, fmt.Sprintf("server_ip %q is not a valid IP address", c.ServerIP))
	} else if ip.IsLoopback() {
		problems = append(problems, fmt.Sprintf("server_ip %q is a loopback address, clients cannot reach it", c.ServerIP))
	}

	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		problems = append(problems, fmt.Sprintf("bind_addr %q: %v", c.BindAddr, err))
	}
	if !iqnBaseRe.MatchString(c.IQNBase) {
		problems = append(problems, fmt.Sprintf("iqn_base %q does not match iqn.YYYY-MM.<naming-authority>", c.IQNBase))
	}

	if c.HeartbeatTimeout <= 0 {
		problems = append(problems, "heartbeat_timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		problems = append(problems, "sweep_interval must be positive")
	}
	if c.ConversionTimeout <= 0 {
		problems = append(problems, "conversion_timeout must be positive")
	}
	if c.ConversionWorkers < 1 {
		problems = append(problems, "conversion_workers must be at least 1")
	}
	if c.UploadIdleTimeout <= 0 {
		problems = append(problems, "upload_idle_timeout must be positive")
	}
	if c.StaleClaimAge <= c.ConversionTimeout {
		problems = append(problems, "stale_claim_age must exceed conversion_timeout")
	}
	if c.EventBufferSize < 1 {
		problems = append(problems, "event_buffer_size must be at least 1")
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of trace, debug, info, warn, error", c.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ReloadArgv splits the DHCP reload command for the runner. The command is
// operator-controlled configuration, never request input.
func (c *Config) ReloadArgv() []string {
	return strings.Fields(c.DHCPReloadCommand)
}
