package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const FileName = "storyline.yml"

//go:embed schema.json
var schemaJSON string

// Config models storyline.yml.
type Config struct {
	Documents struct {
		StoryRoots   []string `yaml:"story_roots"`
		EpicRoots    []string `yaml:"epic_roots"`
		StoryPattern string   `yaml:"story_pattern"`
		EpicPattern  string   `yaml:"epic_pattern"`
	} `yaml:"documents"`
	Tasks struct {
		File string `yaml:"file"`
	} `yaml:"tasks"`
	Cache struct {
		HierarchyTTL  time.Duration `yaml:"hierarchy_ttl"`
		ValidationTTL time.Duration `yaml:"validation_ttl"`
		DashboardTTL  time.Duration `yaml:"dashboard_ttl"`
	} `yaml:"cache"`
	Watch struct {
		Debounce  time.Duration `yaml:"debounce"`
		Heartbeat time.Duration `yaml:"heartbeat"`
	} `yaml:"watch"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with storyline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Documents.StoryRoots) == 0 {
		return fmt.Errorf("config.documents.story_roots is required")
	}
	if len(c.Documents.EpicRoots) == 0 {
		return fmt.Errorf("config.documents.epic_roots is required")
	}
	for _, root := range append(append([]string{}, c.Documents.StoryRoots...), c.Documents.EpicRoots...) {
		if strings.TrimSpace(root) == "" {
			return fmt.Errorf("config.documents contains an empty search root")
		}
	}
	if _, err := filepath.Match(c.Documents.StoryPattern, "x"); err != nil {
		return fmt.Errorf("config.documents.story_pattern invalid: %w", err)
	}
	if _, err := filepath.Match(c.Documents.EpicPattern, "x"); err != nil {
		return fmt.Errorf("config.documents.epic_pattern invalid: %w", err)
	}
	if strings.TrimSpace(c.Tasks.File) == "" {
		return fmt.Errorf("config.tasks.file is required")
	}
	if filepath.IsAbs(c.Tasks.File) {
		return fmt.Errorf("config.tasks.file must be relative to the project root")
	}
	for name, d := range map[string]time.Duration{
		"cache.hierarchy_ttl":  c.Cache.HierarchyTTL,
		"cache.validation_ttl": c.Cache.ValidationTTL,
		"cache.dashboard_ttl":  c.Cache.DashboardTTL,
		"watch.debounce":       c.Watch.Debounce,
		"watch.heartbeat":      c.Watch.Heartbeat,
	} {
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	var settings map[string]any
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if settings == nil {
		settings = map[string]any{}
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ValidateSettings validates raw config settings against the JSON schema.
func ValidateSettings(settings map[string]any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaJSON), gojsonschema.NewGoLoader(settings))
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return fmt.Errorf("config schema validation failed: %s", strings.Join(errs, "; "))
}

const defaultTemplate = `documents:
  story_roots: [docs/stories, stories]
  epic_roots: [docs/epics, epics]
  story_pattern: "*.md"
  epic_pattern: "*.md"

tasks:
  file: .storyline/tasks.json

cache:
  hierarchy_ttl: 5m
  validation_ttl: 3m
  dashboard_ttl: 5m

watch:
  debounce: 300ms
  heartbeat: 30s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
