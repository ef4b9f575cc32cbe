package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "ASPEN"

// Loader loads configuration from layered files and environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with the ASPEN environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load validate the result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads a single file on top of the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment, in that order.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = l.mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := checkJSONNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps merges override into base. Nested maps merge; any other
// value in override replaces the base value.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PREFIX_* variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"BACKEND":       &cfg.Backend,
		"API_URL":       &cfg.API.URL,
		"APP_ID":        &cfg.API.AppID,
		"ID_TOKEN":      &cfg.API.IDToken,
		"ACCESS_TOKEN":  &cfg.API.AccessToken,
		"USER_ID":       &cfg.API.UserID,
		"NATS_USERNAME": &cfg.NATS.Username,
		"NATS_PASSWORD": &cfg.NATS.Password,
		"NATS_TOKEN":    &cfg.NATS.Token,
		"NATS_BUCKET":   &cfg.NATS.Bucket,
		"NATS_STREAM":   &cfg.NATS.Stream,
		"METRICS_ADDR":  &cfg.Metrics.Addr,
		"METRICS_PATH":  &cfg.Metrics.Path,
		"LOG_LEVEL":     &cfg.Log.Level,
		"LOG_FORMAT":    &cfg.Log.Format,
	}
	for suffix, dst := range strs {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	durations := map[string]*Duration{
		"OUTBOX_SWEEP_INTERVAL": &cfg.Outbox.SweepInterval,
		"OUTBOX_LEASE_TTL":      &cfg.Outbox.LeaseTTL,
	}
	for suffix, dst := range durations {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_"+suffix)
		}
		*dst = Duration(d)
	}

	if val, ok, err := l.env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = splitList(val)
	}
	if val, ok, err := l.env("METRICS_ENABLED"); err != nil {
		return err
	} else if ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_METRICS_ENABLED")
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

func (l *Loader) env(suffix string) (string, bool, error) {
	key := l.envPrefix + "_" + suffix
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(key, val); err != nil {
		return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
	}
	return val, true, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
