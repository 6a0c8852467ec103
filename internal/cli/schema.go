package cli

import (
	"encoding/json"
	"strings"

	"github.com/samber/lo"
)

// SchemaCmd outputs JSON Schema for tabtrail output types
type SchemaCmd struct {
	Type []string `short:"t" help:"Output types to include (ready,event,queue,leadership,session_debug,heartbeat,summary,error). Default: all"`
}

var schemaOrder = []string{"ready", "event", "queue", "leadership", "session_debug", "heartbeat", "summary", "error"}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	schemas := map[string]map[string]any{
		"ready":         readySchema(),
		"event":         eventSchema(),
		"queue":         queueSchema(),
		"leadership":    leadershipSchema(),
		"session_debug": transitionSchema(),
		"heartbeat":     heartbeatSchema(),
		"summary":       summarySchema(),
		"error":         errorSchema(),
	}

	types := lo.Map(c.Type, func(t string, _ int) string { return strings.ToLower(strings.TrimSpace(t)) })
	if len(types) == 0 {
		types = schemaOrder
	}
	for _, t := range types {
		if _, ok := schemas[t]; !ok {
			return outputErrorCommon(globals, "UNKNOWN_SCHEMA", "unknown output type: "+t, "known types: "+strings.Join(schemaOrder, ","))
		}
	}

	defs := map[string]any{}
	for _, t := range types {
		defs[t] = schemas[t]
	}
	out := map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "tabtrail Output Schemas",
		"description": "JSON Schema definitions for the NDJSON lines written by tabtrail",
		"definitions": defs,
	}

	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func constProp(value string) map[string]any {
	return map[string]any{"type": "string", "const": value}
}

func enumProp(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": description}
}

func object(title, description string, properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":        "object",
		"title":       title,
		"description": description,
		"properties":  properties,
		"required":    required,
	}
}

func eventBodySchema() map[string]any {
	return object("Event", "A tracked event as delivered to integrations", map[string]any{
		"id":         prop("string", "Time-ordered unique id (ULID)"),
		"type":       enumProp("Event kind", "page_view", "click", "scroll", "custom", "session_start", "session_end", "web_vitals", "error"),
		"name":       prop("string", "Event name"),
		"sessionId":  prop("string", "Session the event belongs to"),
		"userId":     prop("string", "Identified user"),
		"pageUrl":    prop("string", "Page the event happened on"),
		"fromUrl":    prop("string", "Previous page for page views"),
		"timestamp":  prop("integer", "Unix milliseconds"),
		"properties": prop("object", "Free-form event properties"),
		"trigger":    enumProp("Why the session ended (session_end only)", "inactivity", "page_unload", "manual_stop", "orphaned_cleanup", "tab_closed", "timeout"),
		"recovered":  prop("boolean", "True when a session_start resumed an orphaned session"),
	}, "id", "type", "timestamp")
}

func readySchema() map[string]any {
	return object("Ready", "First line of a simulate run", map[string]any{
		"type":          constProp("ready"),
		"schemaVersion": prop("integer", "Output schema version"),
		"timestamp":     prop("string", "RFC3339 start time"),
		"run_id":        prop("string", "Run identifier"),
		"tabs":          prop("integer", "Number of simulated tabs"),
		"integrations":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"store":         prop("string", "Store backend in use"),
	}, "type", "schemaVersion", "run_id", "tabs")
}

func eventSchema() map[string]any {
	return object("Event Line", "A tracked event accepted by a tab's delivery engine", map[string]any{
		"type":          constProp("event"),
		"schemaVersion": prop("integer", "Output schema version"),
		"tab_id":        prop("string", "Tab that tracked the event"),
		"event":         eventBodySchema(),
	}, "type", "schemaVersion", "event")
}

func queueSchema() map[string]any {
	return object("Queue Signal", "Outcome of one batch transmission to an integration", map[string]any{
		"type":          constProp("queue"),
		"schemaVersion": prop("integer", "Output schema version"),
		"tab_id":        prop("string", "Tab whose engine sent the batch"),
		"integration":   prop("string", "Integration name"),
		"status":        enumProp("Batch outcome", "flushed", "failed", "persisted", "dropped"),
		"events":        prop("integer", "Events in the batch"),
		"attempts":      prop("integer", "Transmission attempts made"),
		"error":         prop("string", "Last error, when the batch failed"),
		"timestamp":     prop("integer", "Unix milliseconds"),
	}, "type", "integration", "status", "events")
}

func leadershipSchema() map[string]any {
	return object("Leadership", "A tab gained or lost cross-tab leadership", map[string]any{
		"type":          constProp("leadership"),
		"schemaVersion": prop("integer", "Output schema version"),
		"tab_id":        prop("string", "Tab whose role changed"),
		"is_leader":     prop("boolean", "True when the tab is now leader"),
		"state":         enumProp("Coordinator state", "leader", "follower"),
		"timestamp":     prop("integer", "Unix milliseconds"),
	}, "type", "tab_id", "is_leader")
}

func transitionSchema() map[string]any {
	return object("Session Transition", "Session lifecycle state change (verbose only)", map[string]any{
		"type":          constProp("session_debug"),
		"schemaVersion": prop("integer", "Output schema version"),
		"tab_id":        prop("string", "Tab whose tracker changed state"),
		"session_id":    prop("string", "Session at the time of the change"),
		"from":          enumProp("Previous state", "idle", "starting", "active", "inactive", "ending", "ended"),
		"to":            enumProp("New state", "idle", "starting", "active", "inactive", "ending", "ended"),
		"reason":        prop("string", "What caused the change"),
		"timestamp":     prop("integer", "Unix milliseconds"),
	}, "type", "from", "to")
}

func heartbeatSchema() map[string]any {
	return object("Heartbeat", "Periodic liveness line during long runs", map[string]any{
		"type":              constProp("heartbeat"),
		"schemaVersion":     prop("integer", "Output schema version"),
		"timestamp":         prop("string", "RFC3339 time"),
		"run_id":            prop("string", "Run identifier"),
		"uptime_seconds":    prop("integer", "Seconds since the run started"),
		"events_since_last": prop("integer", "Events tracked since the previous heartbeat"),
		"leaders":           prop("integer", "Open tabs that consider themselves leader"),
		"sessions":          prop("integer", "Distinct active sessions across open tabs"),
	}, "type", "run_id", "uptime_seconds")
}

func summarySchema() map[string]any {
	return object("Summary", "Last line of a run", map[string]any{
		"type":          constProp("summary"),
		"schemaVersion": prop("integer", "Output schema version"),
		"run_id":        prop("string", "Run identifier"),
		"duration_ms":   prop("integer", "Run duration"),
		"events":        prop("integer", "Events tracked"),
		"by_kind":       map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "integer"}},
		"queue":         map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "integer"}},
		"sessions":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}, "type", "run_id", "events")
}

func errorSchema() map[string]any {
	return object("Error", "Machine-readable failure", map[string]any{
		"type":          constProp("error"),
		"schemaVersion": prop("integer", "Output schema version"),
		"code":          prop("string", "Stable error code"),
		"message":       prop("string", "Human readable message"),
		"hint":          prop("string", "Suggested fix"),
	}, "type", "code", "message")
}
