package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// TokensFile holds API bearer tokens next to config.yaml.
const TokensFile = "tokens.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = map[string]*yaml.Node{}
	if node, err := readNode(absPath); err == nil {
		cfg.SourceFiles[absPath] = node
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	tokensPath := filepath.Join(filepath.Dir(absPath), TokensFile)
	if _, err := os.Stat(tokensPath); err == nil {
		tokens, err := loadTokensFile(tokensPath)
		if err != nil {
			return nil, err
		}
		cfg.API.Auth.Tokens = append(cfg.API.Auth.Tokens, tokens...)
		visited[tokensPath] = true
	}

	cfg = applyConfigDefaults(cfg)

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyAllConfigHashes(paths, cfg.API.Enabled || cfg.Triggers.Enabled); err != nil {
		return nil, err
	}

	validator := &ConfigValidator{config: cfg}
	if err := validator.ValidateCrossReferences(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for name, ic := range cfg.Interception.Interceptors {
		cfg.Interception.Interceptors[name] = mergeInterceptorDefaults(ic, cfg.Interception)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $MOTIONHOST_CONFIG_DIR, ~/.config/motionhost, /etc/motionhost, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("MOTIONHOST_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "motionhost")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}
	if _, err := os.Stat("/etc/motionhost"); err == nil {
		return "/etc/motionhost", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $MOTIONHOST_CONFIG_DIR, ~/.config/motionhost, /etc/motionhost, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	tokensPath := filepath.Join(filepath.Dir(absPath), TokensFile)
	if _, err := os.Stat(tokensPath); err == nil {
		visited[tokensPath] = true
	}
	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func resolveInclude(i int, includePath, baseDir string) (string, error) {
	includePath = interpolateEnv(includePath)
	resolved := includePath
	if !filepath.IsAbs(includePath) {
		resolved = filepath.Join(baseDir, includePath)
	}
	absPath, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}
		return "", fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
	}
	return absPath, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true

		partial, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		visited[absPath] = true

		if node, err := readNode(absPath); err == nil {
			cfg.SourceFiles[absPath] = node
		}
		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadTokensFile reads the scoped API tokens kept outside config.yaml.
func loadTokensFile(path string) ([]APIToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TokensFile, err)
	}
	var tf struct {
		Tokens []APIToken `yaml:"tokens"`
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &tf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", TokensFile, err)
	}
	return tf.Tokens, nil
}

func readNode(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	mergeString(&dst.Service.Name, src.Service.Name)
	mergeString(&dst.Service.LogLevel, src.Service.LogLevel)
	if src.Service.ShutdownTimeout != 0 {
		dst.Service.ShutdownTimeout = src.Service.ShutdownTimeout
	}

	mergeString(&dst.Machine.BaseDir, src.Machine.BaseDir)
	mergeString(&dst.Machine.SystemDir, src.Machine.SystemDir)
	mergeString(&dst.Machine.MacrosDir, src.Machine.MacrosDir)
	mergeString(&dst.Machine.GCodesDir, src.Machine.GCodesDir)
	mergeString(&dst.Machine.ConfigFile, src.Machine.ConfigFile)
	mergeString(&dst.Machine.DaemonFile, src.Machine.DaemonFile)
	mergeString(&dst.Machine.Hostname, src.Machine.Hostname)
	mergeInt(&dst.Machine.MotionSystems, src.Machine.MotionSystems)

	mergeInt(&dst.Pipeline.MaxCodesPerInput, src.Pipeline.MaxCodesPerInput)
	mergeInt(&dst.Pipeline.BufferedPrintCodes, src.Pipeline.BufferedPrintCodes)
	mergeInt(&dst.Pipeline.BufferedMacroCodes, src.Pipeline.BufferedMacroCodes)
	if src.Pipeline.InfoScanBytes != 0 {
		dst.Pipeline.InfoScanBytes = src.Pipeline.InfoScanBytes
	}

	mergeString(&dst.Firmware.Mode, src.Firmware.Mode)
	if src.Firmware.Latency != 0 {
		dst.Firmware.Latency = src.Firmware.Latency
	}

	if src.Daemon.Enabled {
		dst.Daemon.Enabled = true
	}
	if src.Daemon.Interval != 0 {
		dst.Daemon.Interval = src.Daemon.Interval
	}

	mergeString(&dst.Interception.PluginsDir, src.Interception.PluginsDir)
	if src.Interception.Timeout != 0 {
		dst.Interception.Timeout = src.Interception.Timeout
	}
	if src.Interception.Interceptors != nil {
		if dst.Interception.Interceptors == nil {
			dst.Interception.Interceptors = make(map[string]InterceptorConf)
		}
		for name, ic := range src.Interception.Interceptors {
			dst.Interception.Interceptors[name] = ic
		}
	}

	mergeString(&dst.State.Path, src.State.Path)

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	mergeString(&dst.API.Listen, src.API.Listen)
	mergeString(&dst.API.Auth.APIKey, src.API.Auth.APIKey)
	if len(src.API.CORSOrigins) > 0 {
		dst.API.CORSOrigins = src.API.CORSOrigins
	}
	if len(src.API.Auth.Tokens) > 0 {
		dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	}

	if src.Triggers.Enabled {
		dst.Triggers.Enabled = true
	}
	mergeString(&dst.Triggers.Listen, src.Triggers.Listen)
	if len(src.Triggers.Endpoints) > 0 {
		dst.Triggers.Endpoints = append(dst.Triggers.Endpoints, src.Triggers.Endpoints...)
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// verifyAllConfigHashes checks every loaded file against the .checksums
// manifest of its directory. A missing manifest is only fatal when the API
// or the trigger endpoints are exposed.
func verifyAllConfigHashes(paths []string, required bool) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			if required {
				return fmt.Errorf("integrity check required when api.enabled: %w", err)
			}
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: motionhost config hash --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: motionhost config hash --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	mergeDefaultString(&cfg.Service.Name, defaults.Service.Name)
	mergeDefaultString(&cfg.Service.LogLevel, defaults.Service.LogLevel)
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}

	m, dm := &cfg.Machine, defaults.Machine
	mergeDefaultString(&m.BaseDir, dm.BaseDir)
	mergeDefaultString(&m.SystemDir, dm.SystemDir)
	mergeDefaultString(&m.MacrosDir, dm.MacrosDir)
	mergeDefaultString(&m.GCodesDir, dm.GCodesDir)
	mergeDefaultString(&m.ConfigFile, dm.ConfigFile)
	mergeDefaultString(&m.DaemonFile, dm.DaemonFile)
	mergeDefaultString(&m.Hostname, dm.Hostname)
	if m.MotionSystems == 0 {
		m.MotionSystems = dm.MotionSystems
	}

	p, dp := &cfg.Pipeline, defaults.Pipeline
	if p.MaxCodesPerInput == 0 {
		p.MaxCodesPerInput = dp.MaxCodesPerInput
	}
	if p.BufferedPrintCodes == 0 {
		p.BufferedPrintCodes = dp.BufferedPrintCodes
	}
	if p.BufferedMacroCodes == 0 {
		p.BufferedMacroCodes = dp.BufferedMacroCodes
	}
	if p.InfoScanBytes == 0 {
		p.InfoScanBytes = dp.InfoScanBytes
	}

	mergeDefaultString(&cfg.Firmware.Mode, defaults.Firmware.Mode)
	if cfg.Daemon.Interval == 0 {
		cfg.Daemon.Interval = defaults.Daemon.Interval
	}

	mergeDefaultString(&cfg.Interception.PluginsDir, defaults.Interception.PluginsDir)
	if cfg.Interception.Timeout == 0 {
		cfg.Interception.Timeout = defaults.Interception.Timeout
	}
	if cfg.Interception.Interceptors == nil {
		cfg.Interception.Interceptors = make(map[string]InterceptorConf)
	}

	mergeDefaultString(&cfg.State.Path, defaults.State.Path)
	mergeDefaultString(&cfg.API.Listen, defaults.API.Listen)
	mergeDefaultString(&cfg.Triggers.Listen, defaults.Triggers.Listen)
	return cfg
}

func mergeDefaultString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Machine.MotionSystems < 1 || cfg.Machine.MotionSystems > 2 {
		return fmt.Errorf("machine.motion_systems must be 1 or 2 (got %d)", cfg.Machine.MotionSystems)
	}
	if cfg.Pipeline.MaxCodesPerInput < 1 {
		return fmt.Errorf("pipeline.max_codes_per_input must be positive")
	}
	if cfg.Pipeline.BufferedPrintCodes < 1 || cfg.Pipeline.BufferedMacroCodes < 1 {
		return fmt.Errorf("pipeline.buffered_print_codes and pipeline.buffered_macro_codes must be positive")
	}
	if cfg.Firmware.Mode != "loopback" {
		return fmt.Errorf("firmware.mode must be loopback (got %q)", cfg.Firmware.Mode)
	}
	if cfg.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon.interval must be positive")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if err := checkToken("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkToken(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Triggers.Enabled {
		for i, ep := range cfg.Triggers.Endpoints {
			if ep.Secret == "" {
				return fmt.Errorf("triggers.endpoints[%d].secret is required", i)
			}
			if err := checkToken(fmt.Sprintf("triggers.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
	}

	for name, ic := range cfg.Interception.Interceptors {
		if !ic.Enabled || ic.Config == nil {
			continue
		}
		if err := checkUnresolvedEnvVars(ic.Config, name); err != nil {
			return err
		}
	}
	return nil
}

func checkToken(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in config values.
func checkUnresolvedEnvVars(data map[string]interface{}, name string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if envVarPattern.MatchString(v) {
				matches := envVarPattern.FindStringSubmatch(v)
				if len(matches) > 1 {
					return fmt.Errorf("interceptor %q: environment variable ${%s} is not set", name, matches[1])
				}
				return fmt.Errorf("interceptor %q: unresolved environment variable in config.%s", name, key)
			}
		case map[string]interface{}:
			if err := checkUnresolvedEnvVars(v, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeInterceptorDefaults applies default values where not specified.
func mergeInterceptorDefaults(ic InterceptorConf, section InterceptionConfig) InterceptorConf {
	defaults := DefaultInterceptorConf()
	if len(ic.Modes) == 0 {
		ic.Modes = defaults.Modes
	}
	if ic.Timeout == 0 {
		ic.Timeout = section.Timeout
	}
	return ic
}
