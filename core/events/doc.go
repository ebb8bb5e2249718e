// Package events defines the commands and events exchanged on the event bus.
//
// Available types:
//   - ToggleRequested: command asking for an appliance power change
//   - StateChanged: an appliance power state was changed in the registry
//   - Rebalanced: the balancer ran and its directives were applied
package events
