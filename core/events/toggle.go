package events

// Sources of a power change.
const (
	SourceManual   = "manual"
	SourceBalancer = "balancer"
	SourceMQTT     = "mqtt"
)

// ToggleRequested asks the controller to switch an appliance on or off.
type ToggleRequested struct {
	ApplianceID string
	Desired     bool
	Source      string
}
