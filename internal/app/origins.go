package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaydeck/connhive/internal/core/domain"
)

// originSpec is the YAML shape of one entry in an origins file.
type originSpec struct {
	Host    string `yaml:"host"`
	Port    uint16 `yaml:"port"`
	TLS     bool   `yaml:"tls"`
	Version string `yaml:"version"`
	Waiters int    `yaml:"waiters"`
}

type originsFile struct {
	Origins []originSpec `yaml:"origins"`
}

// LoadDemoOrigins reads the origins the demo harness should drive from a
// YAML file. An empty path means "use the built-in defaults"; a path that
// doesn't parse or names no origins is an error rather than a silent
// fallback.
func LoadDemoOrigins(path string) ([]DemoOrigin, error) {
	if path == "" {
		return defaultDemoOrigins(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading origins file %s: %w", path, err)
	}

	var file originsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing origins file %s: %w", path, err)
	}
	if len(file.Origins) == 0 {
		return nil, fmt.Errorf("origins file %s names no origins", path)
	}

	origins := make([]DemoOrigin, 0, len(file.Origins))
	for i, spec := range file.Origins {
		if spec.Host == "" {
			return nil, fmt.Errorf("origins file %s: entry %d has no host", path, i)
		}
		version, err := parseVersion(spec.Version)
		if err != nil {
			return nil, fmt.Errorf("origins file %s: entry %d: %w", path, i, err)
		}

		port := spec.Port
		if port == 0 {
			if spec.TLS {
				port = 443
			} else {
				port = 80
			}
		}
		waiters := spec.Waiters
		if waiters <= 0 {
			waiters = 1
		}

		origins = append(origins, DemoOrigin{
			Host:    spec.Host,
			Port:    port,
			TLS:     spec.TLS,
			Version: version,
			Waiters: waiters,
		})
	}
	return origins, nil
}

func parseVersion(s string) (domain.Version, error) {
	switch s {
	case "", "http/1.1":
		return domain.VersionHTTP11, nil
	case "http/1.0":
		return domain.VersionHTTP10, nil
	case "h2", "http/2":
		return domain.VersionHTTP2, nil
	default:
		return domain.VersionUnknown, fmt.Errorf("unknown protocol version %q", s)
	}
}
