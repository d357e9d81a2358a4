package tracing

// Span name prefixes.
const (
	SpanPrefixConn    = "connection."
	SpanPrefixHandoff = "handoff."
	SpanPrefixOrch    = "orchestrator."
)

// Span attribute keys.
const (
	AttrRoutingKey       = "agent.routing_key"
	AttrSourceRoutingKey = "handoff.source"
	AttrTargetRoutingKey = "handoff.target"
	AttrStepIndex        = "step.index"
	AttrTargetStep       = "handoff.target_step"
	AttrActiveStep       = "step.active"
	AttrNavigate         = "handoff.navigate"
	AttrConnected        = "connection.connected"
	AttrSettingsHash     = "connection.settings_hash"
	AttrReused           = "connection.reused"
	AttrMessageType      = "message.type"
	AttrHistorical       = "message.historical"
)
