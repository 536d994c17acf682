package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// GroupsFile is the file name read from the config directory.
const GroupsFile = "groups.yaml"

// groupsDocument is the top-level shape of groups.yaml. Each entry is kept
// raw so its options block can be decoded separately and merged.
type groupsDocument struct {
	Groups []map[string]interface{} `yaml:"groups"`
}

// Loader reads area group definitions from disk.
type Loader struct {
	configDir string
	logger    *zap.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
	}
}

// Path returns the groups file location.
func (l *Loader) Path() string {
	return filepath.Join(l.configDir, GroupsFile)
}

// LoadGroups reads, merges, defaults and validates every group.
func (l *Loader) LoadGroups() ([]GroupConfig, error) {
	path := l.Path()
	l.logger.Debug("Loading group config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read group config: %w", err)
	}

	groups, err := ParseGroups(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	l.logger.Info("Group config loaded", zap.Int("groups", len(groups)))
	return groups, nil
}

// ParseGroups parses a groups.yaml document.
func ParseGroups(data []byte) ([]GroupConfig, error) {
	var doc groupsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	groups := make([]GroupConfig, 0, len(doc.Groups))
	for i, raw := range doc.Groups {
		group, err := DecodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
		groups = append(groups, group)
	}

	if err := ValidateAll(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// DecodeEntry decodes one raw group. An "options" key holds overrides that
// are merged over the rest of the entry.
func DecodeEntry(raw map[string]interface{}) (GroupConfig, error) {
	body := make(map[string]interface{}, len(raw))
	var options map[string]interface{}
	for k, v := range raw {
		if k == "options" {
			m, ok := v.(map[string]interface{})
			if !ok && v != nil {
				return GroupConfig{}, fmt.Errorf("options must be a mapping")
			}
			options = m
			continue
		}
		body[k] = v
	}

	data, err := Decode(body)
	if err != nil {
		return GroupConfig{}, err
	}
	if options != nil {
		if _, ok := options["id"]; ok {
			return GroupConfig{}, fmt.Errorf("options cannot change the group id")
		}
		overrides, err := Decode(options)
		if err != nil {
			return GroupConfig{}, fmt.Errorf("options: %w", err)
		}
		data = Merge(data, overrides)
	}

	data.ApplyDefaults()
	return data, nil
}

// Decode converts a raw option map into a GroupConfig. Lists may be given as
// comma separated strings. An adaptive lighting block starts from its
// defaults because zero is a meaningful transition; list defaults are left to
// ApplyDefaults since mapstructure overwrites slices element by element.
func Decode(raw map[string]interface{}) (GroupConfig, error) {
	var cfg GroupConfig
	if _, ok := raw["adaptive_lighting"]; ok {
		cfg.AdaptiveLighting = DefaultAdaptiveLighting()
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(deviceClassListHook, csvToSliceHook),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return GroupConfig{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return GroupConfig{}, err
	}
	return cfg, nil
}

var deviceClassMapType = reflect.TypeOf(map[string][]string{})

// deviceClassListHook turns "binary_sensor: motion, media_player: tv", or the
// same entries as a list, into a per-domain map.
func deviceClassListHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != deviceClassMapType {
		return data, nil
	}
	var entries []string
	switch v := data.(type) {
	case string:
		entries = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return data, nil
			}
			entries = append(entries, s)
		}
	case []string:
		entries = v
	default:
		return data, nil
	}

	out := make(map[string][]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		domain, class, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("device class %q must be written as domain: class", entry)
		}
		domain, class = strings.TrimSpace(domain), strings.TrimSpace(class)
		out[domain] = append(out[domain], class)
	}
	return out, nil
}

// csvToSliceHook turns "on, playing" into []string{"on", "playing"}.
func csvToSliceHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return []string{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
