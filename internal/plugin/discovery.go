package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/motionhost/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Registry holds discovered interceptors indexed by name.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Get retrieves an interceptor by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// All returns all registered interceptors.
func (r *Registry) All() map[string]*Plugin {
	return r.plugins
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add registers an interceptor.
func (r *Registry) Add(p *Plugin) error {
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("interceptor %q already registered", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Discover scans pluginsDir for manifest.yaml files. Invalid interceptors
// are logged and skipped.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	return DiscoverMany([]string{pluginsDir}, logger)
}

// DiscoverMany scans several roots in order; a duplicate name keeps the
// first interceptor found.
func DiscoverMany(roots []string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots := make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve interceptor root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("interceptor root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat interceptor root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("interceptor root is not a directory: %s", absRoot)
		}
		if _, ok := seen[absRoot]; ok {
			continue
		}
		seen[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one interceptor root is required")
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			dir := filepath.Dir(path)
			p, err := loadPlugin(dir, root)
			if err != nil {
				logger("warn", "failed to load interceptor", "root", root, "path", dir, "error", err.Error())
				return nil
			}
			if err := registry.Add(p); err != nil {
				existing, _ := registry.Get(p.Name)
				logger("warn", "duplicate interceptor ignored (keeping first discovered)",
					"interceptor", p.Name, "ignored_path", p.Path, "kept_path", existing.Path)
				return nil
			}
			logger("info", "loaded interceptor", "interceptor", p.Name, "path", p.Path, "version", p.Version)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan interceptor root %s: %w", root, err)
		}
	}
	return registry, nil
}

func loadPlugin(dir, root string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	filters := make([]CodeFilter, 0, len(manifest.Codes))
	for _, s := range manifest.Codes {
		f, err := ParseCodeFilter(s)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest: %w", err)
		}
		filters = append(filters, f)
	}

	entrypoint := filepath.Join(dir, manifest.Entrypoint)
	if err := validateTrust(entrypoint, dir, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Plugin{
		Name:        manifest.Name,
		Path:        dir,
		Entrypoint:  entrypoint,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Modes:       manifest.Modes,
		Codes:       filters,
		ConfigKeys:  manifest.ConfigKeys,
	}, nil
}

func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, protocol.Version)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Modes) == 0 {
		return fmt.Errorf("at least one mode must be declared")
	}
	return nil
}

// validateTrust requires the entrypoint to be an executable inside the
// interceptor directory, below root, in a directory others cannot write to.
func validateTrust(entrypoint, dir, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve interceptor path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve interceptor root symlink %s: %w", root, err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under interceptor root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedDir+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under interceptor directory %s", resolvedEntrypoint, resolvedDir)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("interceptor directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("interceptor directory is world-writable: %s", resolvedDir)
	}
	return nil
}
