package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "SAGAFLOW_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
	// envNesting separates nested keys in environment variable names, so
	// SAGAFLOW_ENGINE__MAX_CONCURRENT_SAGAS maps to engine.max_concurrent_sagas.
	envNesting = "__"
)

// SearchPaths are tried in order when Load is called without a path.
var SearchPaths = []string{
	"sagaflow.yaml",
	"sagaflow.yml",
	"sagaflow.json",
	"config/sagaflow.yaml",
	"/etc/sagaflow/sagaflow.yaml",
}

// Loader merges defaults, a config file, SAGAFLOW_ environment variables and
// explicit overrides, in increasing priority. Each Load starts from a clean
// slate, so keys removed from the file fall back to their defaults on reload.
type Loader struct {
	mu sync.RWMutex
	k  *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load builds and validates a Config. An empty configPath searches SearchPaths
// and silently continues with defaults when none exists.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(Delimiter)

	if err := k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	path := configPath
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := loadFile(k, path); err != nil {
			if configPath != "" {
				return nil, err
			}
			// a discovered file that fails to parse is reported, never skipped
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("applying overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.k = k
	l.mu.Unlock()
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func findConfigFile() string {
	for _, p := range SearchPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(key, envNesting, Delimiter)
}

// Get returns the raw value of a key from the last successful Load.
func (l *Loader) Get(key string) interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Get(key)
}

// GetString returns a string value from the last successful Load.
func (l *Loader) GetString(key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.String(key)
}

// GetInt returns an int value from the last successful Load.
func (l *Loader) GetInt(key string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Int(key)
}

// GetBool returns a bool value from the last successful Load.
func (l *Loader) GetBool(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Bool(key)
}

// Set changes a key in the loaded tree. It does not affect Configs already
// returned by Load.
func (l *Loader) Set(key string, value interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.k.Set(key, value)
}

// Print renders the loaded key tree.
func (l *Loader) Print() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Sprint()
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

var durationType = reflect.TypeOf(time.Duration(0))

// flatten turns a config struct into dot-separated keys taken from the
// mapstructure tags. Loading defaults flat lets later sources override single
// fields without replacing whole sections.
func flatten(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, reflect.Indirect(reflect.ValueOf(v)), "")
	return out
}

func flattenInto(out map[string]interface{}, val reflect.Value, prefix string) {
	if val.Kind() != reflect.Struct {
		return
	}
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		switch {
		case fv.Type() == durationType:
			out[key] = fv.Interface()
		case fv.Kind() == reflect.Struct:
			flattenInto(out, fv, key)
		case fv.Kind() == reflect.Ptr:
			if !fv.IsNil() {
				flattenInto(out, fv.Elem(), key)
			}
		case fv.Kind() == reflect.Slice:
			items := make([]interface{}, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			out[key] = items
		case fv.Kind() == reflect.Map:
			if !fv.IsNil() && fv.Len() > 0 {
				out[key] = fv.Interface()
			}
		default:
			out[key] = fv.Interface()
		}
	}
}
