// Package notify delivers user-facing notices about balancing decisions.
// Notifiers are observational: a failure never changes appliance state.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/homeenergy/core/model"
)

const (
	TitleAutoBalance   = "Auto-balance activated"
	MessageShed        = "Some appliances have been turned off to stay within energy limits."
	TitleUnreachable   = "Energy limit exceeded"
	MessageUnreachable = "Only critical appliances remain on and usage is still above the limit."
)

// Notice describes one event worth telling the household about.
type Notice struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Directives  []model.Directive `json:"directives,omitempty"`
	Unreachable bool              `json:"unreachable"`
	Time        time.Time         `json:"time"`
}

// Notifier sends notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// NopNotifier discards notices.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notice) error { return nil }

// Multi fans a notice out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, x := range m {
		if x == nil {
			continue
		}
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForRebalance builds the notice for an applied rebalance. ok is false when
// nothing was shed and the threshold was met, in which case there is nothing
// to report.
func ForRebalance(applied []model.Directive, unreachable bool, now time.Time) (Notice, bool) {
	switch {
	case unreachable:
		return Notice{
			Title:       TitleUnreachable,
			Message:     MessageUnreachable,
			Directives:  applied,
			Unreachable: true,
			Time:        now,
		}, true
	case len(applied) > 0:
		return Notice{Title: TitleAutoBalance, Message: MessageShed, Directives: applied, Time: now}, true
	default:
		return Notice{}, false
	}
}
