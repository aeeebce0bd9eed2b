package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Banda/pkg/table"
)

// Extensions lists the report configuration file extensions the registry loads.
var Extensions = []string{".json", ".yaml", ".yml"}

// Registry is the set of report configurations loaded at start-up. It is read-only
// after construction and safe for concurrent use.
type Registry struct {
	configs map[string]*ReportConfig
	names   []string
}

// NewRegistry builds a registry from already decoded configurations. Configurations are
// validated; the first one wins when two share a name.
func NewRegistry(configs ...*ReportConfig) (*Registry, error) {
	r := &Registry{configs: make(map[string]*ReportConfig, len(configs))}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("report %s: %w", c.Name, err)
		}
		r.add(c)
	}
	return r, nil
}

func (r *Registry) add(c *ReportConfig) bool {
	key := registryKey(c.Name)
	if _, exists := r.configs[key]; exists {
		return false
	}
	r.configs[key] = c
	r.names = append(r.names, c.Name)
	return true
}

func registryKey(name string) string {
	return table.Key(strings.TrimSpace(name))
}

// LoadDir loads every report configuration file in dir. Files that cannot be read or
// decoded are logged and skipped; only an unreadable directory is an error.
func LoadDir(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read configs folder %s: %w", dir, err)
	}

	r := &Registry{configs: make(map[string]*ReportConfig)}
	for _, entry := range entries {
		if entry.IsDir() || !HasConfigExtension(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		cfg, err := LoadFile(path)
		if err != nil {
			logger.Warn("skipping report configuration",
				zap.String("file", path),
				zap.Error(err))
			continue
		}
		if !r.add(cfg) {
			logger.Warn("duplicate report configuration ignored",
				zap.String("file", path),
				zap.String("report", cfg.Name))
			continue
		}
		logger.Debug("loaded report configuration",
			zap.String("report", cfg.Name),
			zap.String("template", cfg.Template()))
	}

	logger.Info("report configurations loaded",
		zap.String("dir", dir),
		zap.Int("count", r.Len()))
	return r, nil
}

// HasConfigExtension reports whether a file name has one of the loadable extensions.
func HasConfigExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadFile reads one report configuration. The report name is the file stem.
func LoadFile(path string) (*ReportConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report configuration %s: %w", path, err)
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	var cfg *ReportConfig
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		cfg, err = ParseJSON(data)
	}
	if err != nil {
		return nil, err
	}

	cfg.Name = name
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration %s: %w", path, err)
	}
	return cfg, nil
}

// ParseJSON decodes a JSON report configuration. Property names match case-insensitively.
func ParseJSON(data []byte) (*ReportConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("failed to parse report configuration: empty file")
	}
	var cfg ReportConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse report configuration: %w", err)
	}
	return &cfg, nil
}

// ParseYAML decodes a YAML report configuration.
func ParseYAML(data []byte) (*ReportConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("failed to parse report configuration: empty file")
	}
	var cfg ReportConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse report configuration: %w", err)
	}
	return &cfg, nil
}

// Get returns the configuration of a report. The name is trimmed and matched
// case-insensitively.
func (r *Registry) Get(name string) (*ReportConfig, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.configs[registryKey(name)]
	return c, ok
}

// Names returns the loaded report names in load order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of loaded reports.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}
