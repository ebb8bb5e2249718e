// Package metrics defines the sink interfaces used to observe balancing
// decisions. A MetricsSink records every rebalance; sinks may also implement
// UsageRecorder or StateChangeRecorder, which callers detect by type
// assertion. Backends register themselves by name and are combined with a
// MultiSink when several are configured.
package metrics
