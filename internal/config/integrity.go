package config

import (
	"fmt"
	"path/filepath"
)

// IntegrityResult collects the outcome of a checksum audit.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// isHighSecurity reports whether a mismatch on the file is fatal.
// config.yaml and tokens.yaml gate API access; includes only warn.
func isHighSecurity(path string) bool {
	base := filepath.Base(path)
	return base == "config.yaml" || base == TokensFile
}

// VerifyIntegrity audits every file in the include tree of configPath
// against the manifests of their directories without stopping at the first
// problem.
func VerifyIntegrity(configPath string) (*IntegrityResult, error) {
	files, err := DiscoverAllConfigFiles(configPath)
	if err != nil {
		return nil, err
	}
	result := &IntegrityResult{Passed: true}

	report := func(path, msg string) {
		if isHighSecurity(path) {
			result.Passed = false
			result.Errors = append(result.Errors, msg)
			return
		}
		result.Warnings = append(result.Warnings, msg)
	}

	manifests := make(map[string]*ChecksumManifest)
	for _, path := range files {
		dir := filepath.Dir(path)
		manifest, seen := manifests[dir]
		if !seen {
			manifest, _ = LoadChecksums(dir)
			manifests[dir] = manifest
		}
		if manifest == nil {
			report(path, fmt.Sprintf("no %s manifest in %s for %s; run 'motionhost config hash'", ChecksumFile, dir, filepath.Base(path)))
			continue
		}

		expected, ok := manifest.Hashes[filepath.Base(path)]
		if !ok {
			report(path, fmt.Sprintf("file %s not in %s manifest", path, ChecksumFile))
			continue
		}
		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			report(path, fmt.Sprintf("failed to hash %s: %v", path, err))
			continue
		}
		if actual != expected {
			report(path, fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", path, expected, actual))
		}
	}
	return result, nil
}
