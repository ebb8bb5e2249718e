// Package factory provides a small generic registry used to build pluggable
// backends from configuration. A backend is named by a type string and
// configured by a map of raw settings decoded into a typed struct.
//
// Example usage:
//
//	reg := factory.NewRegistry[persistence.Store]()
//	reg.Register("sqlite", func(conf map[string]any) (persistence.Store, error) {
//	    var c struct{ Path string `json:"path"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return store.NewSQLite(c.Path)
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "sqlite", Conf: map[string]any{"path": "he.db"}})
package factory
