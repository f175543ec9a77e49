package trigger

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/motionhost/internal/config"
)

// FromConfig converts the triggers section into a server Config.
func FromConfig(tc config.TriggersConfig) (Config, error) {
	cfg := Config{
		Listen:    tc.Listen,
		Endpoints: make([]EndpointConfig, len(tc.Endpoints)),
	}

	for i, ep := range tc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("trigger endpoint %q: no secret configured", ep.Path)
		}
		maxBodySize, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("trigger endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Trigger:         ep.Trigger,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     maxBodySize,
		}
	}
	return cfg, nil
}

// parseMaxBodySize accepts sizes like "64KB", "1MiB" or "2048".
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}
	n, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if n > 1<<40 {
		return 0, fmt.Errorf("size too large")
	}
	return int64(n), nil
}
