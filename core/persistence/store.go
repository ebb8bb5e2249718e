// Package persistence defines the storage contract for appliances.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/homeenergy/core/model"
)

// ErrIO marks a failure of the persistence backend.
var ErrIO = errors.New("persistence io failure")

// Store saves appliances and their power state. Implementations must be safe
// for concurrent use. The controller never retries a failed call.
type Store interface {
	LoadAppliances(ctx context.Context) ([]model.Appliance, error)
	PersistPowerState(ctx context.Context, id string, on bool) error
	SaveAppliance(ctx context.Context, a model.Appliance) error
	DeleteAppliance(ctx context.Context, id string) error
	Close() error
}

// IOError wraps a backend failure with the operation that caused it.
type IOError struct {
	Op          string
	ApplianceID string
	Err         error
}

// NewIOError returns nil when err is nil.
func NewIOError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, ApplianceID: id, Err: err}
}

func (e *IOError) Error() string {
	if e.ApplianceID == "" {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.ApplianceID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is reports ErrIO for every IOError.
func (e *IOError) Is(target error) bool { return target == ErrIO }
