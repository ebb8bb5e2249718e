// Package monitoring forwards unexpected failures to an error tracker.
// The controller reports persistence failures and recovered panics here.
package monitoring

import "time"

// Monitor defines methods used for error reporting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Recover()
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Recover()                                  {}
func (NopMonitor) Flush(time.Duration)                       {}

var current Monitor = NopMonitor{}

// Init sets the global monitor implementation. A nil monitor restores the
// no-op one.
func Init(m Monitor) {
	if m == nil {
		m = NopMonitor{}
	}
	current = m
}

// Current returns the global monitor.
func Current() Monitor { return current }

// CaptureException records the error with optional tags.
func CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	current.CaptureException(err, tags)
}

// CaptureOp records err tagged with the failing operation and appliance.
func CaptureOp(err error, op, applianceID string) {
	tags := map[string]string{"op": op}
	if applianceID != "" {
		tags["appliance_id"] = applianceID
	}
	CaptureException(err, tags)
}

// Flush flushes buffered events.
func Flush(d time.Duration) { current.Flush(d) }
