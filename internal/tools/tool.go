// Package tools implements the tool router: declaration, JSON-Schema
// validation, capability scoping, and dispatch of named tool calls.
package tools

import (
	"context"
	"encoding/json"
	"sort"
)

// Capability groups tools into grantable sets. An operation carries the
// capability set it was granted; calls outside it are denied undispatched.
type Capability string

const (
	CapFileOps          Capability = "file-ops"
	CapCodeIntelligence Capability = "code-intelligence"
	CapGitReadOnly      Capability = "git-read-only"
	CapTaskManagement   Capability = "task-management"
	CapDelegation       Capability = "sub-agent-delegation"
)

// AllCapabilities returns the full grant set.
func AllCapabilities() []Capability {
	return []Capability{CapFileOps, CapCodeIntelligence, CapGitReadOnly, CapTaskManagement, CapDelegation}
}

// Tool is one named capability invocable by the LLM. Implementations must
// tolerate sequential re-invocation: tool calls within an operation are
// serialized, and a reconnected client may replay a turn.
type Tool interface {
	// Name returns the tool's wire name.
	Name() string

	// Description is shown to the model.
	Description() string

	// Capability is the grant group this tool belongs to.
	Capability() Capability

	// Schema returns the JSON Schema (type=object) for the arguments.
	Schema() json.RawMessage

	// Execute runs the tool with validated arguments and returns a
	// JSON-encodable result.
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ObjectSchema builds a permissive object schema.
func ObjectSchema(properties map[string]any, required []string) json.RawMessage {
	if required == nil {
		required = []string{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// StrictObjectSchema builds a strict-mode schema: additionalProperties is
// false and every property is required.
func StrictObjectSchema(properties map[string]any) json.RawMessage {
	required := make([]string, 0, len(properties))
	for name := range properties {
		required = append(required, name)
	}
	sort.Strings(required)
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	raw, _ := json.Marshal(schema)
	return raw
}
