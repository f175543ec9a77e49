package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var interceptCodePattern = regexp.MustCompile(`^[GMT]\d+(\.\d+)?$`)

// KnownScopes lists the scopes a bearer token may carry.
var KnownScopes = map[string]bool{
	"*":       true,
	"admin":   true,
	"ro":      true,
	"rw":      true,
	"job:ro":  true,
	"job:rw":  true,
	"code:rw": true,
}

// ConfigValidator validates references between config sections after all
// include files are merged.
type ConfigValidator struct {
	config *Config
}

// ValidateCrossReferences checks that all cross-section references are valid.
func (v *ConfigValidator) ValidateCrossReferences() error {
	if err := v.validateMachineDirs(); err != nil {
		return err
	}
	if err := v.validateInterceptors(); err != nil {
		return err
	}
	if err := v.validateTriggers(); err != nil {
		return err
	}
	return v.validateTokenScopes()
}

// validateMachineDirs keeps the SD card sub directories inside base_dir.
func (v *ConfigValidator) validateMachineDirs() error {
	m := v.config.Machine
	for field, dir := range map[string]string{
		"system_dir": m.SystemDir,
		"macros_dir": m.MacrosDir,
		"gcodes_dir": m.GCodesDir,
	} {
		if dir == "" {
			continue
		}
		if filepath.IsAbs(dir) || strings.HasPrefix(filepath.Clean(dir), "..") {
			return fmt.Errorf("machine.%s must be relative to machine.base_dir (got %q)", field, dir)
		}
	}
	return nil
}

// validateInterceptors checks interception modes and code filters.
func (v *ConfigValidator) validateInterceptors() error {
	for name, ic := range v.config.Interception.Interceptors {
		for _, mode := range ic.Modes {
			switch mode {
			case "pre", "post", "executed":
			default:
				return fmt.Errorf("interceptor %q: unknown mode %q (want pre, post or executed)", name, mode)
			}
		}
		for _, c := range ic.Codes {
			if !interceptCodePattern.MatchString(strings.ToUpper(c)) {
				return fmt.Errorf("interceptor %q: invalid code filter %q", name, c)
			}
		}
		if ic.Timeout < 0 {
			return fmt.Errorf("interceptor %q: timeout must not be negative", name)
		}
	}
	return nil
}

// validateTokenScopes rejects scopes the API does not understand.
func (v *ConfigValidator) validateTokenScopes() error {
	for i, tok := range v.config.API.Auth.Tokens {
		for _, s := range tok.Scopes {
			if !KnownScopes[strings.TrimSpace(s)] {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, s)
			}
		}
	}
	return nil
}

// validateTriggers checks endpoint paths, trigger numbers and headers.
func (v *ConfigValidator) validateTriggers() error {
	seen := make(map[string]bool)
	for i, ep := range v.config.Triggers.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("triggers.endpoints[%d]: path must start with / (got %q)", i, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("triggers.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		seen[ep.Path] = true
		if ep.Trigger < 0 {
			return fmt.Errorf("triggers.endpoints[%d]: trigger must not be negative", i)
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("triggers.endpoints[%d]: signature_header is required", i)
		}
	}
	return nil
}
