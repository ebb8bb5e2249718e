package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/homeenergy/core/controller"
	"github.com/kilianp07/homeenergy/core/history"
	"github.com/kilianp07/homeenergy/core/metrics"
	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/infra/monitoring"
	"github.com/kilianp07/homeenergy/infra/mqtt"
	"github.com/kilianp07/homeenergy/infra/store"
)

// EnvPrefix prefixes environment overrides, e.g. HE_MQTT__BROKER.
const EnvPrefix = "HE_"

type Config struct {
	MQTT       mqtt.Config           `json:"mqtt"`
	Controller controller.Config     `json:"controller"`
	Threshold  model.ThresholdConfig `json:"threshold"`
	Store      store.Config          `json:"store"`
	Seed       SeedConfig            `json:"seed"`
	Metrics    metrics.Config        `json:"metrics"`
	History    history.Config        `json:"history"`
	Logging    LoggingConfig         `json:"logging"`
	HTTP       HTTPConfig            `json:"http"`
	Sentry     monitoring.Config     `json:"sentry"`
}

// SeedConfig controls the first-run appliance list.
type SeedConfig struct {
	// Path of a YAML appliance list; the embedded household is used when empty.
	Path     string `json:"path"`
	Disabled bool   `json:"disabled"`
}

// HTTPConfig configures the API and /metrics listener.
type HTTPConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

func defaults() map[string]any {
	th := model.DefaultThreshold()
	ctrl := controller.DefaultConfig()
	return map[string]any{
		"threshold.max_threshold_kw":        th.MaxThresholdKw,
		"threshold.auto_balance_enabled":    th.AutoBalanceEnabled,
		"threshold.notifications_enabled":   th.NotificationsEnabled,
		"controller.check_interval_seconds": ctrl.CheckIntervalSeconds,
		"controller.rebalance_on_toggle":    ctrl.RebalanceOnToggle,
		"http.addr":                         ":8080",
		"logging.level":                     "info",
		"metrics.sinks":                     []any{map[string]any{"type": "prometheus"}},
		"sentry.traces_sample_rate":         0.0,
		"mqtt.enabled":                      false,
		"store.type":                        "sqlite",
		"history.backend":                   "jsonl",
	}
}

// Load reads the configuration file at path, applies HE_ environment
// overrides and validates the result. An empty path uses defaults and
// environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.MQTT.SetDefaults()
	cfg.Store.SetDefaults()
	cfg.History.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Threshold.Validate(); err != nil {
		return fmt.Errorf("threshold: %w", err)
	}
	if err := c.Controller.Validate(); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if err := c.History.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	known := false
	for _, b := range store.Backends() {
		if b == c.Store.Type {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown store type %s", c.Store.Type)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http addr is required")
	}
	return nil
}
