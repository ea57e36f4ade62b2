package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: MOONWATCH_STORE_PATH sets
// store.path, MOONWATCH_CAPITAL_TOTAL_CAPITAL sets capital.total_capital.
const EnvPrefix = "MOONWATCH"

// Load reads path plus any files it includes (depth first, includes before
// the including file), applies MOONWATCH_* environment overrides and
// returns the merged, defaulted, validated config.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{done: map[string]bool{}, active: map[string]bool{}}
	if err := w.walk(abs); err != nil {
		return nil, err
	}
	v := viper.New()
	for _, file := range w.files {
		if err := v.MergeConfigMap(file.settings); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file.path, err)
		}
	}
	for _, key := range settingKeys(reflect.TypeOf(Config{}), "") {
		if err := v.BindEnv(key, envName(key)); err != nil {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	collectSettingsKeys("", v.AllSettings(), setKeys)
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(make(keySet))
	return &cfg
}

type configFile struct {
	path     string
	settings map[string]any
}

// includeWalker orders config files so every include is merged before the
// file naming it. A file reached twice is read and merged once.
type includeWalker struct {
	done   map[string]bool
	active map[string]bool
	files  []configFile
}

func (w *includeWalker) walk(path string) error {
	path = filepath.Clean(path)
	if w.active[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if w.done[path] {
		return nil
	}
	w.active[path] = true
	defer delete(w.active, path)

	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	settings := tmp.AllSettings()
	includes, err := includeList(settings["include"])
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	delete(settings, "include")
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := w.walk(inc); err != nil {
			return err
		}
	}
	w.done[path] = true
	w.files = append(w.files, configFile{path: path, settings: settings})
	return nil
}

// includeList accepts a single file name or a list of them.
func includeList(raw any) ([]string, error) {
	var items []any
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{val}
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string or a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// settingKeys lists the dotted toml paths of every leaf field of t.
func settingKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "" || name == "-" {
			continue
		}
		name = joinKey(prefix, name)
		if f.Type.Kind() == reflect.Struct {
			keys = append(keys, settingKeys(f.Type, name)...)
			continue
		}
		keys = append(keys, name)
	}
	return keys
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func collectSettingsKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			if strings.TrimSpace(k) == "" {
				continue
			}
			collectSettingsKeys(joinKey(prefix, k), child, dest)
		}
	case []any:
		dest.mark(prefix)
		for _, item := range val {
			collectSettingsKeys(prefix, item, dest)
		}
	default:
		dest.mark(prefix)
	}
}

func joinKey(prefix, key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
