package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete motionhost configuration.
type Config struct {
	Include      []string           `yaml:"include,omitempty"`
	Service      ServiceConfig      `yaml:"service"`
	Machine      MachineConfig      `yaml:"machine"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Firmware     FirmwareConfig     `yaml:"firmware"`
	Daemon       DaemonConfig       `yaml:"daemon"`
	Interception InterceptionConfig `yaml:"interception"`
	State        StateConfig        `yaml:"state"`
	API          APIConfig          `yaml:"api,omitempty"`
	Triggers     TriggersConfig     `yaml:"triggers,omitempty"`

	// SourceFiles maps every loaded file to its parsed YAML tree. Not serialized.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MachineConfig describes the virtual SD card layout and machine identity.
type MachineConfig struct {
	BaseDir       string `yaml:"base_dir"`
	SystemDir     string `yaml:"system_dir"`
	MacrosDir     string `yaml:"macros_dir"`
	GCodesDir     string `yaml:"gcodes_dir"`
	ConfigFile    string `yaml:"config_file"`
	DaemonFile    string `yaml:"daemon_file"`
	Hostname      string `yaml:"hostname"`
	MotionSystems int    `yaml:"motion_systems"`
}

// PipelineConfig bounds the code queues.
type PipelineConfig struct {
	MaxCodesPerInput   int   `yaml:"max_codes_per_input"`
	BufferedPrintCodes int   `yaml:"buffered_print_codes"`
	BufferedMacroCodes int   `yaml:"buffered_macro_codes"`
	InfoScanBytes      int64 `yaml:"info_scan_bytes"`
}

// FirmwareConfig selects the firmware link.
type FirmwareConfig struct {
	Mode    string        `yaml:"mode"` // loopback
	Latency time.Duration `yaml:"latency,omitempty"`
}

// DaemonConfig controls the periodic daemon macro.
type DaemonConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// InterceptionConfig defines the interceptor plugins.
type InterceptionConfig struct {
	PluginsDir   string                     `yaml:"plugins_dir"`
	Timeout      time.Duration              `yaml:"timeout"`
	Interceptors map[string]InterceptorConf `yaml:"interceptors,omitempty"`
}

// InterceptorConf defines configuration for a single interceptor plugin.
type InterceptorConf struct {
	Enabled bool                   `yaml:"enabled"`
	Modes   []string               `yaml:"modes,omitempty"` // pre | post | executed
	Codes   []string               `yaml:"codes,omitempty"` // e.g. M1234, G29; empty means all
	Timeout time.Duration          `yaml:"timeout,omitempty"`
	Config  map[string]interface{} `yaml:"config,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	Auth        APIAuthConfig `yaml:"auth"`
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with admin access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// TriggersConfig defines the signed HTTP endpoints that run trigger macros.
type TriggersConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Listen    string            `yaml:"listen"`
	Endpoints []TriggerEndpoint `yaml:"endpoints,omitempty"`
}

// TriggerEndpoint maps a URL path to sys/trigger<N>.g.
type TriggerEndpoint struct {
	Path            string `yaml:"path"`
	Trigger         int    `yaml:"trigger"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"` // e.g. 64KB, 1MB
}

// TriggerMacro is the macro file run for trigger number n.
func TriggerMacro(n int) string {
	return fmt.Sprintf("trigger%d.g", n)
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "motionhost",
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Machine: MachineConfig{
			BaseDir:       "./sd",
			SystemDir:     "sys",
			MacrosDir:     "macros",
			GCodesDir:     "gcodes",
			ConfigFile:    "config.g",
			DaemonFile:    "daemon.g",
			Hostname:      "motionhost",
			MotionSystems: 1,
		},
		Pipeline: PipelineConfig{
			MaxCodesPerInput:   32,
			BufferedPrintCodes: 32,
			BufferedMacroCodes: 16,
			InfoScanBytes:      32 * 1024,
		},
		Firmware: FirmwareConfig{
			Mode: "loopback",
		},
		Daemon: DaemonConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
		Interception: InterceptionConfig{
			PluginsDir:   "./interceptors",
			Timeout:      30 * time.Second,
			Interceptors: make(map[string]InterceptorConf),
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Triggers: TriggersConfig{
			Listen: "127.0.0.1:8081",
		},
	}
}

// DefaultInterceptorConf returns default interceptor configuration.
func DefaultInterceptorConf() InterceptorConf {
	return InterceptorConf{
		Enabled: true,
		Modes:   []string{"pre"},
		Timeout: 30 * time.Second,
	}
}
