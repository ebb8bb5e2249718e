// Package notify provides notifier backends outside the MQTT bridge.
package notify

import (
	"context"
	"strings"

	"github.com/kilianp07/homeenergy/core/logger"
	corenotify "github.com/kilianp07/homeenergy/core/notify"
)

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	log logger.Logger
}

// NewLogNotifier returns a LogNotifier using l.
func NewLogNotifier(l logger.Logger) *LogNotifier {
	return &LogNotifier{log: l}
}

func (n *LogNotifier) Notify(_ context.Context, no corenotify.Notice) error {
	ids := make([]string, 0, len(no.Directives))
	for _, d := range no.Directives {
		ids = append(ids, d.ApplianceID)
	}
	fields := map[string]any{
		"title":       no.Title,
		"appliances":  strings.Join(ids, ","),
		"unreachable": no.Unreachable,
	}
	if no.Unreachable {
		n.log.Warnf("%s: %s (%s)", no.Title, no.Message, fields["appliances"])
		return nil
	}
	n.log.Infow(no.Message, fields)
	return nil
}
