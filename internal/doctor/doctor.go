// Package doctor audits a loaded motionhost configuration against the
// virtual SD card and the discovered interceptors.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/motionhost/internal/config"
	"github.com/mattjoyce/motionhost/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the filesystem and interceptors.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor. registry may be nil when no interceptors were found.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateMachine(r)
	d.validatePipeline(r)
	d.validateInterceptors(r)
	d.validateAPIConfig(r)
	d.validateTriggers(r)
	d.warnUnusedInterceptors(r)
	d.warnEmptyTokens(r)
	d.warnDeprecatedSyntax(r)
	d.warnSuspiciousDaemon(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	switch strings.ToLower(d.cfg.Service.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		d.addError(r, "service", "service.log_level",
			fmt.Sprintf("unknown log level %q", d.cfg.Service.LogLevel))
	}
	if d.cfg.Firmware.Mode != "" && d.cfg.Firmware.Mode != "loopback" {
		d.addError(r, "service", "firmware.mode",
			fmt.Sprintf("unsupported firmware mode %q (want loopback)", d.cfg.Firmware.Mode))
	}
}

// validateMachine checks the SD card directories and the startup files.
func (d *Doctor) validateMachine(r *Result) {
	m := d.cfg.Machine
	if m.BaseDir == "" {
		d.addError(r, "machine", "machine.base_dir", "machine.base_dir is required")
		return
	}
	for field, sub := range map[string]string{
		"machine.base_dir":   "",
		"machine.system_dir": m.SystemDir,
		"machine.macros_dir": m.MacrosDir,
		"machine.gcodes_dir": m.GCodesDir,
	} {
		dir := m.BaseDir
		if sub != "" {
			dir = m.Dir(sub)
		}
		info, err := os.Stat(dir)
		switch {
		case os.IsNotExist(err):
			d.addWarning(r, "machine", field, fmt.Sprintf("directory %s does not exist", dir))
		case err != nil:
			d.addError(r, "machine", field, err.Error())
		case !info.IsDir():
			d.addError(r, "machine", field, fmt.Sprintf("%s is not a directory", dir))
		}
	}
	if _, err := os.Stat(m.ConfigPath()); err != nil {
		d.addWarning(r, "machine", "machine.config_file",
			fmt.Sprintf("startup file %s not readable; the machine starts unconfigured", m.ConfigPath()))
	}
	if d.cfg.Daemon.Enabled {
		if _, err := os.Stat(m.DaemonPath()); err != nil {
			d.addWarning(r, "machine", "machine.daemon_file",
				fmt.Sprintf("daemon enabled but %s not found", m.DaemonPath()))
		}
	}
	if m.MotionSystems < 1 || m.MotionSystems > 2 {
		d.addError(r, "machine", "machine.motion_systems",
			fmt.Sprintf("motion_systems must be 1 or 2 (got %d)", m.MotionSystems))
	}
}

func (d *Doctor) validatePipeline(r *Result) {
	p := d.cfg.Pipeline
	if p.MaxCodesPerInput <= 0 {
		d.addError(r, "pipeline", "pipeline.max_codes_per_input", "must be positive")
	}
	if p.BufferedPrintCodes <= 0 {
		d.addError(r, "pipeline", "pipeline.buffered_print_codes", "must be positive")
	}
	if p.BufferedMacroCodes <= 0 {
		d.addError(r, "pipeline", "pipeline.buffered_macro_codes", "must be positive")
	}
}

// validateInterceptors checks configured interceptors against their manifests.
func (d *Doctor) validateInterceptors(r *Result) {
	for _, name := range sortedKeys(d.cfg.Interception.Interceptors) {
		ic := d.cfg.Interception.Interceptors[name]
		if !ic.Enabled {
			continue
		}
		field := "interception.interceptors." + name
		p, ok := d.registry.Get(name)
		if !ok {
			d.addError(r, "interceptors", field,
				fmt.Sprintf("interceptor %q in config but not found in %s", name, d.cfg.Interception.PluginsDir))
			continue
		}
		for _, m := range ic.Modes {
			mode, err := plugin.ParseMode(m)
			if err != nil {
				d.addError(r, "interceptors", field+".modes", err.Error())
				continue
			}
			if !p.SupportsMode(mode) {
				d.addError(r, "interceptors", field+".modes",
					fmt.Sprintf("interceptor %q does not register for mode %q", name, m))
			}
		}
		for _, key := range p.MissingConfigKeys(ic.Config) {
			d.addError(r, "interceptors", field+".config."+key,
				fmt.Sprintf("interceptor %q requires config key %q", name, key))
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	for _, origin := range d.cfg.API.CORSOrigins {
		if origin == "*" {
			d.addWarning(r, "api", "api.cors_origins", "CORS allows any origin")
		}
	}
	for i, tok := range d.cfg.API.Auth.Tokens {
		for j, s := range tok.Scopes {
			if !config.KnownScopes[strings.TrimSpace(s)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", s))
			}
		}
	}
}

// validateTriggers checks that each enabled endpoint has its macro and a
// listen address that does not collide with the API.
func (d *Doctor) validateTriggers(r *Result) {
	t := d.cfg.Triggers
	if !t.Enabled {
		return
	}
	if t.Listen == "" {
		d.addError(r, "triggers", "triggers.listen", "triggers.listen is required when triggers are enabled")
	} else if d.cfg.API.Enabled && t.Listen == d.cfg.API.Listen {
		d.addError(r, "triggers", "triggers.listen",
			fmt.Sprintf("triggers.listen %s collides with api.listen", t.Listen))
	}
	if len(t.Endpoints) == 0 {
		d.addWarning(r, "triggers", "triggers.endpoints", "triggers enabled but no endpoints configured")
	}
	for i, ep := range t.Endpoints {
		field := fmt.Sprintf("triggers.endpoints[%d]", i)
		if ep.Secret == "" {
			d.addError(r, "triggers", field+".secret", "secret is required")
		}
		path := d.cfg.Machine.SystemFile(config.TriggerMacro(ep.Trigger))
		if _, err := os.Stat(path); err != nil {
			d.addWarning(r, "triggers", field+".trigger",
				fmt.Sprintf("trigger macro %s not found", path))
		}
	}
}

func (d *Doctor) warnUnusedInterceptors(r *Result) {
	for _, name := range d.registry.Names() {
		if _, inConfig := d.cfg.Interception.Interceptors[name]; !inConfig {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("interceptor %q discovered but not referenced in config", name))
		}
	}
}

func (d *Doctor) warnEmptyTokens(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
}

// warnSuspiciousDaemon flags daemon intervals that would hammer the pipeline.
func (d *Doctor) warnSuspiciousDaemon(r *Result) {
	if !d.cfg.Daemon.Enabled {
		return
	}
	if d.cfg.Daemon.Interval <= 0 {
		d.addError(r, "daemon", "daemon.interval", "interval must be positive when the daemon is enabled")
		return
	}
	if d.cfg.Daemon.Interval < time.Second {
		d.addWarning(r, "daemon", "daemon.interval",
			fmt.Sprintf("daemon interval %s is very short (< 1s)", d.cfg.Daemon.Interval))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
