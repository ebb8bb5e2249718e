package store

import (
	"github.com/kilianp07/homeenergy/core/factory"
	"github.com/kilianp07/homeenergy/core/persistence"
)

// Config selects the persistence backend.
type Config struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = "sqlite"
	}
	if c.Type == "sqlite" && c.Path == "" {
		c.Path = "homeenergy.db"
	}
}

var registry = factory.NewRegistry[persistence.Store]()

func init() {
	registry.MustRegister("memory", func(map[string]any) (persistence.Store, error) {
		return NewMemoryStore(), nil
	})
	registry.MustRegister("sqlite", func(conf map[string]any) (persistence.Store, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewSQLiteStore(c.Path)
	})
}

// New builds the backend named by cfg.Type.
func New(cfg Config) (persistence.Store, error) {
	cfg.SetDefaults()
	return registry.Create(factory.ModuleConfig{
		Type: cfg.Type,
		Conf: map[string]any{"path": cfg.Path},
	})
}

// Backends lists the available backend names.
func Backends() []string { return registry.Names() }
