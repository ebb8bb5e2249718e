// Package store implements persistence.Store backends: an in-memory store
// and a SQLite store. Backends are selected by name through a factory
// registry and can be populated from a YAML seed file on first start.
package store
