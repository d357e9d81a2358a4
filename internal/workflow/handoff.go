package workflow

import "strings"

// HandoffIntent is derived from a handoff message: conversation control
// moving from one routing key to another.
type HandoffIntent struct {
	SourceRoutingKey string
	TargetRoutingKey string
	Historical       bool
}

// KeyExtractor pulls a routing key out of a handoff payload.
type KeyExtractor func(payload map[string]any) (string, bool)

// PathExtractor returns a KeyExtractor reading the non-empty string at the
// dot-separated path, e.g. "metadata.handoff.target".
func PathExtractor(path string) KeyExtractor {
	parts := strings.Split(path, ".")
	return func(payload map[string]any) (string, bool) {
		return lookupString(payload, parts)
	}
}

// TargetExtractors are tried in order; the backend does not use one shape
// consistently.
var TargetExtractors = []KeyExtractor{
	PathExtractor("targetWorkflowType"),
	PathExtractor("target_workflow_type"),
	PathExtractor("targetAgent"),
	PathExtractor("metadata.targetWorkflowType"),
	PathExtractor("metadata.target_workflow_type"),
	PathExtractor("metadata.handoff.target"),
	PathExtractor("data.targetWorkflowType"),
	PathExtractor("handoff.to"),
}

// SourceExtractors locate the delegating agent's routing key.
var SourceExtractors = []KeyExtractor{
	PathExtractor("sourceWorkflowType"),
	PathExtractor("source_workflow_type"),
	PathExtractor("metadata.sourceWorkflowType"),
	PathExtractor("metadata.handoff.source"),
	PathExtractor("handoff.from"),
}

// FirstKey runs extractors in order and returns the first hit.
func FirstKey(payload map[string]any, extractors []KeyExtractor) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	for _, extract := range extractors {
		if key, ok := extract(payload); ok {
			return key, true
		}
	}
	return "", false
}

// ExtractHandoffTarget returns the target routing key of a handoff payload.
func ExtractHandoffTarget(payload map[string]any) (string, bool) {
	return FirstKey(payload, TargetExtractors)
}

// ExtractHandoffSource returns the source routing key of a handoff payload.
func ExtractHandoffSource(payload map[string]any) (string, bool) {
	return FirstKey(payload, SourceExtractors)
}

// ParseHandoffIntent derives a HandoffIntent from a handoff-typed message.
// The message's own WorkflowID stands in for a missing source key.
func ParseHandoffIntent(msg ChatMessage) (HandoffIntent, bool) {
	if msg.Type != MessageHandoff {
		return HandoffIntent{}, false
	}
	target, ok := ExtractHandoffTarget(msg.Data)
	if !ok {
		return HandoffIntent{}, false
	}
	source, ok := ExtractHandoffSource(msg.Data)
	if !ok {
		source = msg.WorkflowID
	}
	return HandoffIntent{
		SourceRoutingKey: source,
		TargetRoutingKey: target,
		Historical:       msg.Historical,
	}, true
}

func lookupString(m map[string]any, path []string) (string, bool) {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[p]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	s = strings.TrimSpace(s)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
