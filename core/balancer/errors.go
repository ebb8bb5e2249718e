package balancer

import (
	"errors"
	"fmt"
)

// ErrThresholdUnreachable signals that shedding every non-critical appliance
// still leaves the household above the threshold. It is not fatal: the
// directives returned alongside it are valid and should be applied.
var ErrThresholdUnreachable = errors.New("threshold unreachable without shedding critical load")

// UnreachableError carries the load left after all possible shedding.
type UnreachableError struct {
	ThresholdKw float64
	RemainingKw float64
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%v: %.3f kW remain above %.3f kW", ErrThresholdUnreachable, e.RemainingKw, e.ThresholdKw)
}

// Is makes errors.Is(err, ErrThresholdUnreachable) hold.
func (e *UnreachableError) Is(target error) bool { return target == ErrThresholdUnreachable }
