package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for tool-call governance spans. Tool attributes follow the
// gen_ai.tool.* naming from the OpenTelemetry GenAI conventions; warden.*
// keys cover concepts the conventions do not name (policy decisions,
// confidence, breaker state).
const (
	ToolName      = attribute.Key("gen_ai.tool.name")
	ToolCallID    = attribute.Key("gen_ai.tool.call.id")
	UserID        = attribute.Key("enduser.id")
	PolicyAction  = attribute.Key("warden.policy.action")
	PolicyAllowed = attribute.Key("warden.policy.allowed")
	Confidence    = attribute.Key("warden.confidence")
	Verification  = attribute.Key("warden.verification")
	BreakerKey    = attribute.Key("warden.breaker.key")
	BreakerState  = attribute.Key("warden.breaker.state")
	SandboxMode   = attribute.Key("warden.sandbox.mode")
)

// ToolCallAttributes creates the standard attribute set for a tool-call span.
func ToolCallAttributes(callID, toolName, userID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		ToolCallID.String(callID),
		ToolName.String(toolName),
		UserID.String(userID),
	}
}
