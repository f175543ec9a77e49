package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/motionhost/internal/code"
)

// Mode is the pipeline point at which an interceptor sees a code.
type Mode string

const (
	ModePre      Mode = "pre"
	ModePost     Mode = "post"
	ModeExecuted Mode = "executed"
)

func (m Mode) valid() bool {
	return m == ModePre || m == ModePost || m == ModeExecuted
}

// ParseMode resolves a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.valid() {
		return "", fmt.Errorf("unknown mode %q (valid: pre, post, executed)", s)
	}
	return m, nil
}

// Modes is the list of modes an interceptor registers for.
//
// Accepted formats:
//   - a single scalar: modes: pre
//   - a sequence: modes: [pre, post]
type Modes []Mode

func (m *Modes) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*m = nil
		return nil
	}
	var items []*yaml.Node
	switch n.Kind {
	case yaml.ScalarNode:
		items = []*yaml.Node{n}
	case yaml.SequenceNode:
		items = n.Content
	default:
		return fmt.Errorf("modes must be a string or a sequence")
	}

	out := make(Modes, 0, len(items))
	for _, item := range items {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("invalid mode entry (must be a string)")
		}
		mode, err := ParseMode(item.Value)
		if err != nil {
			return err
		}
		out = append(out, mode)
	}
	*m = out
	return nil
}

// Has reports whether mode is listed.
func (m Modes) Has(mode Mode) bool {
	for _, x := range m {
		if x == mode {
			return true
		}
	}
	return false
}

var codeFilterPattern = regexp.MustCompile(`^([GMT])(\d+)(?:\.(\d+))?$`)

// CodeFilter matches a code word such as M1234 or G29.1.
type CodeFilter struct {
	Type  code.Type
	Major int
	Minor int // -1 matches every minor number
}

// ParseCodeFilter parses a filter like "M1234" or "G29.1".
func ParseCodeFilter(s string) (CodeFilter, error) {
	m := codeFilterPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return CodeFilter{}, fmt.Errorf("invalid code filter %q", s)
	}
	major, _ := strconv.Atoi(m[2])
	f := CodeFilter{Type: code.Type(m[1][0]), Major: major, Minor: -1}
	if m[3] != "" {
		f.Minor, _ = strconv.Atoi(m[3])
	}
	return f, nil
}

// Matches reports whether c is covered by the filter.
func (f CodeFilter) Matches(c *code.Code) bool {
	if c.Type != f.Type || c.Major != f.Major {
		return false
	}
	return f.Minor < 0 || c.Minor == f.Minor
}

func (f CodeFilter) String() string {
	if f.Minor >= 0 {
		return fmt.Sprintf("%c%d.%d", f.Type, f.Major, f.Minor)
	}
	return fmt.Sprintf("%c%d", f.Type, f.Major)
}

// Manifest defines the structure of an interceptor's manifest.yaml file.
type Manifest struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Protocol    int         `yaml:"protocol"`
	Entrypoint  string      `yaml:"entrypoint"`
	Description string      `yaml:"description,omitempty"`
	Modes       Modes       `yaml:"modes"`
	Codes       []string    `yaml:"codes,omitempty"`
	ConfigKeys  *ConfigKeys `yaml:"config_keys,omitempty"`
}

// ConfigKeys defines required and optional configuration keys for an interceptor.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Plugin represents a discovered and validated interceptor.
type Plugin struct {
	Name        string // name from manifest
	Path        string // absolute path to the interceptor directory
	Entrypoint  string // absolute path to the executable
	Protocol    int
	Version     string
	Description string
	Modes       Modes
	Codes       []CodeFilter // empty means every code
	ConfigKeys  *ConfigKeys
}

// SupportsMode reports whether the interceptor registered for mode.
func (p *Plugin) SupportsMode(mode Mode) bool {
	return p.Modes.Has(mode)
}

// Handles reports whether the interceptor wants to see c.
func (p *Plugin) Handles(c *code.Code) bool {
	return matchAny(p.Codes, c)
}

func matchAny(filters []CodeFilter, c *code.Code) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(c) {
			return true
		}
	}
	return false
}

// MissingConfigKeys returns the required keys absent from cfg.
func (p *Plugin) MissingConfigKeys(cfg map[string]any) []string {
	if p.ConfigKeys == nil {
		return nil
	}
	var missing []string
	for _, k := range p.ConfigKeys.Required {
		if _, ok := cfg[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
