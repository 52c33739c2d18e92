// Package config loads the agent's on-disk configuration:
// iot-device-manager.cfg and iot-proxy.cfg, per spec.md §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/montagao/iot-device-agent/internal/agent/transport"
)

const (
	// DefaultConfigDir is the default directory holding the agent's config files.
	DefaultConfigDir = "/etc/iot-device-manager"
	// DefaultConfigFile is the default path to the device manager config.
	DefaultConfigFile = DefaultConfigDir + "/iot-device-manager.cfg"
	// DefaultProxyConfigFile is the default path to the proxy config.
	DefaultProxyConfigFile = DefaultConfigDir + "/iot-proxy.cfg"
	// DefaultRuntimeDir is the default working directory for OTA and other runtime state.
	DefaultRuntimeDir = "/var/lib/iot-device-manager"

	// DefaultMailboxDedupWindow bounds how long an acked cloud request id is
	// remembered to reject a redelivered reply.
	DefaultMailboxDedupWindow = Duration(5 * time.Minute)
	// DefaultMQTTPort/DefaultMQTTSSLPort are paho's implicit defaults, named
	// here so Complete can make them explicit in the loaded Config.
	DefaultMQTTPort    = 1883
	DefaultMQTTSSLPort = 8883

	// MinSyncInterval is the minimum interval accepted for timer-driven cycles.
	MinSyncInterval = Duration(1 * time.Second)
)

// Duration is time.Duration with a human string-form YAML/JSON
// representation, the same convention the teacher uses for its interval
// fields.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("parsing duration: %w", err)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// MQTTConfig carries the broker connection fields read from
// iot-device-manager.cfg.
type MQTTConfig struct {
	Host            string                     `json:"host,omitempty"`
	Port            int                        `json:"port,omitempty"`
	Username        string                     `json:"username,omitempty"`
	Password        string                     `json:"password,omitempty"`
	ProtocolVersion transport.ProtocolVersion  `json:"-"`
	ProtocolName    string                     `json:"protocol,omitempty"`
	TLS             *transport.TLSConfig       `json:"tls,omitempty"`
	ReplyTopicBase  string                     `json:"reply-topic-base,omitempty"`
	CommandTopicFmt string                     `json:"command-topic,omitempty"`
}

// CommandTopic returns the topic the agent publishes api/mailbox commands
// on. A configured format string wins; otherwise "api".
func (m MQTTConfig) CommandTopic() string {
	if m.CommandTopicFmt != "" {
		return m.CommandTopicFmt
	}
	return "api"
}

// ProxyType mirrors the on-disk "HTTP"/"SOCKS5" string in iot-proxy.cfg.
type ProxyType string

const (
	ProxyTypeNone   ProxyType = ""
	ProxyTypeHTTP   ProxyType = "HTTP"
	ProxyTypeSOCKS5 ProxyType = "SOCKS5"
)

// ProxyConfig is iot-proxy.cfg's "proxy" object.
type ProxyConfig struct {
	Host     string    `json:"host,omitempty"`
	Port     int       `json:"port,omitempty"`
	Type     ProxyType `json:"type,omitempty"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
}

func (p *ProxyConfig) toTransport() *transport.ProxyConfig {
	if p == nil || p.Type == ProxyTypeNone {
		return nil
	}
	t := &transport.ProxyConfig{
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}
	switch p.Type {
	case ProxyTypeHTTP:
		t.Type = transport.ProxyHTTP
	case ProxyTypeSOCKS5:
		t.Type = transport.ProxySOCKS5
	}
	return t
}

// Config is the unmarshaled form of iot-device-manager.cfg, with the
// sibling iot-proxy.cfg folded in as its Proxy field.
type Config struct {
	// DeviceID is this device's cloud identity, used as the MQTT client id
	// and the thing_key prefix.
	DeviceID string `json:"device_id,omitempty"`

	// ActionsEnabled gates whether a registered action accepts dispatch,
	// keyed by action id/name.
	ActionsEnabled map[string]bool `json:"actions_enabled,omitempty"`

	// RuntimeDir is the working directory for OTA and other runtime state.
	RuntimeDir string `json:"runtime_dir,omitempty"`

	// LogLevel names a logrus level: panic, fatal, error, warn, info, debug, trace.
	LogLevel string `json:"log_level,omitempty"`

	// PersistActions, if true, leaves registered actions intact across a
	// scheduler shutdown instead of deregistering them.
	PersistActions bool `json:"persist_actions,omitempty"`

	// MQTT carries the broker connection fields.
	MQTT MQTTConfig `json:"mqtt,omitempty"`

	// Proxy is loaded from the sibling iot-proxy.cfg file, not this one;
	// see Load.
	Proxy *transport.ProxyConfig `json:"-"`

	// MailboxDedupWindow bounds how long an acked cloud request id is
	// remembered.
	MailboxDedupWindow Duration `json:"mailbox_dedup_window,omitempty"`

	// TelemetryInterval is the period between telemetry collect/publish cycles.
	TelemetryInterval Duration `json:"telemetry_interval,omitempty"`

	// TransferMaxSlots bounds concurrent in-progress file transfers.
	TransferMaxSlots int `json:"transfer_max_slots,omitempty"`

	configDir string
}

// NewDefault returns a Config with every field set to its documented
// default, ready for ParseConfigFile to overlay onto.
func NewDefault() *Config {
	return &Config{
		RuntimeDir:          DefaultRuntimeDir,
		LogLevel:            logrus.InfoLevel.String(),
		ActionsEnabled:      make(map[string]bool),
		MailboxDedupWindow:  DefaultMailboxDedupWindow,
		TelemetryInterval:   Duration(60 * time.Second),
		TransferMaxSlots:    5,
		MQTT:                MQTTConfig{ProtocolVersion: transport.ProtocolDefault},
		configDir:           DefaultConfigDir,
	}
}

// ParseConfigFile reads cfgFile (JSON or YAML, both handled by
// sigs.k8s.io/yaml) into cfg.
func (cfg *Config) ParseConfigFile(cfgFile string) error {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return fmt.Errorf("unmarshalling config file %s: %w", cfgFile, err)
	}
	cfg.configDir = filepath.Dir(cfgFile)
	return nil
}

// parseProxyFile overlays the sibling iot-proxy.cfg, if present, onto cfg.Proxy.
func (cfg *Config) parseProxyFile(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading proxy config: %w", err)
	}
	var wrapper struct {
		Proxy ProxyConfig `json:"proxy"`
	}
	if err := yaml.Unmarshal(contents, &wrapper); err != nil {
		return fmt.Errorf("unmarshalling proxy config %s: %w", path, err)
	}
	cfg.Proxy = wrapper.Proxy.toTransport()
	return nil
}

// Complete fills in defaults for fields the config file left unset and
// resolves the MQTT protocol name into its typed enum.
func (cfg *Config) Complete() error {
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = DefaultRuntimeDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = logrus.InfoLevel.String()
	}
	if cfg.ActionsEnabled == nil {
		cfg.ActionsEnabled = make(map[string]bool)
	}
	if cfg.MailboxDedupWindow == 0 {
		cfg.MailboxDedupWindow = DefaultMailboxDedupWindow
	}
	if cfg.TransferMaxSlots == 0 {
		cfg.TransferMaxSlots = 5
	}
	if cfg.MQTT.Port == 0 {
		if cfg.MQTT.TLS != nil {
			cfg.MQTT.Port = DefaultMQTTSSLPort
		} else {
			cfg.MQTT.Port = DefaultMQTTPort
		}
	}
	switch cfg.MQTT.ProtocolName {
	case "3.1":
		cfg.MQTT.ProtocolVersion = transport.Protocol31
	case "3.1.1", "":
		cfg.MQTT.ProtocolVersion = transport.Protocol311
	default:
		return fmt.Errorf("unsupported mqtt protocol version %q", cfg.MQTT.ProtocolName)
	}
	return nil
}

// Validate checks required fields and that RuntimeDir exists or can be created.
func (cfg *Config) Validate() error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if cfg.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	exists, err := pathExists(cfg.RuntimeDir)
	if err != nil {
		return fmt.Errorf("runtime_dir: %w", err)
	}
	if !exists {
		if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
			return fmt.Errorf("creating runtime_dir: %w", err)
		}
	}
	return nil
}

func pathExists(p string) (bool, error) {
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Load reads configFile and the sibling iot-proxy.cfg in the same
// directory, completes defaults, and validates the result.
func Load(configFile string) (*Config, error) {
	cfg := NewDefault()
	if err := cfg.ParseConfigFile(configFile); err != nil {
		return nil, err
	}
	proxyFile := filepath.Join(filepath.Dir(configFile), filepath.Base(DefaultProxyConfigFile))
	if err := cfg.parseProxyFile(proxyFile); err != nil {
		return nil, err
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) String() string {
	contents, err := json.Marshal(cfg)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
