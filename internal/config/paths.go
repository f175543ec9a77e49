package config

import (
	"path/filepath"
	"strings"
)

// Dir returns one of the machine directories resolved against BaseDir.
func (m MachineConfig) Dir(sub string) string {
	if filepath.IsAbs(sub) {
		return sub
	}
	return filepath.Join(m.BaseDir, sub)
}

// ResolvePath maps a file name used by a code to a path on disk. Names with
// a leading "0:/" or "/" are relative to the base directory; bare names are
// looked up in defaultDir.
func (m MachineConfig) ResolvePath(name, defaultDir string) string {
	name = strings.TrimSpace(name)
	switch {
	case strings.HasPrefix(name, "0:/"):
		return filepath.Join(m.BaseDir, filepath.FromSlash(name[3:]))
	case strings.HasPrefix(name, "/"):
		return filepath.Join(m.BaseDir, filepath.FromSlash(name[1:]))
	case strings.Contains(name, "/"):
		return filepath.Join(m.BaseDir, filepath.FromSlash(name))
	default:
		return filepath.Join(m.Dir(defaultDir), name)
	}
}

// SystemFile resolves a file in the system directory.
func (m MachineConfig) SystemFile(name string) string {
	return m.ResolvePath(name, m.SystemDir)
}

// GCodeFile resolves a job file in the gcodes directory.
func (m MachineConfig) GCodeFile(name string) string {
	return m.ResolvePath(name, m.GCodesDir)
}

// ConfigPath returns the startup configuration file.
func (m MachineConfig) ConfigPath() string {
	return m.SystemFile(m.ConfigFile)
}

// DaemonPath returns the daemon macro.
func (m MachineConfig) DaemonPath() string {
	return m.SystemFile(m.DaemonFile)
}

// MacroCandidates lists where a macro name may live, in lookup order:
// the system directory first, then the macros directory.
func (m MachineConfig) MacroCandidates(name string) []string {
	sys := m.ResolvePath(name, m.SystemDir)
	macro := m.ResolvePath(name, m.MacrosDir)
	if sys == macro {
		return []string{sys}
	}
	return []string{sys, macro}
}
