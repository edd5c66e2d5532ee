package tools

// Tool describes one catalogue entry exposed to the client.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var tabIDProp = map[string]any{
	"type":    "number",
	"minimum": 0,
	"description": "Target tab id. The tab must belong to the calling " +
		"agent's group.",
}

// Catalog returns the fixed tool list. Names are stable; the worker routes
// on them.
func Catalog() []Tool {
	return []Tool{
		{
			Name:        "navigate",
			Description: "Navigate a tab to a URL and wait for the load to settle.",
			InputSchema: objectSchema(map[string]any{
				"tabId": tabIDProp,
				"url":   map[string]any{"type": "string"},
			}, "tabId", "url"),
		},
		{
			Name:        "click",
			Description: "Click an element identified by ref or coordinates.",
			InputSchema: objectSchema(map[string]any{
				"tabId": tabIDProp,
				"ref":   map[string]any{"type": "string"},
				"x":     map[string]any{"type": "number", "minimum": 0},
				"y":     map[string]any{"type": "number", "minimum": 0},
			}, "tabId"),
		},
		{
			Name:        "type_text",
			Description: "Type text into the focused or referenced element.",
			InputSchema: objectSchema(map[string]any{
				"tabId": tabIDProp,
				"ref":   map[string]any{"type": "string"},
				"text":  map[string]any{"type": "string"},
			}, "tabId", "text"),
		},
		{
			Name:        "screenshot",
			Description: "Capture the visible viewport of a tab as an image.",
			InputSchema: objectSchema(map[string]any{
				"tabId":  tabIDProp,
				"format": map[string]any{"type": "string", "enum": []string{"png", "jpeg"}},
			}, "tabId"),
		},
		{
			Name:        "scrape_page",
			Description: "Extract structured content from the current page.",
			InputSchema: objectSchema(map[string]any{
				"tabId":    tabIDProp,
				"selector": map[string]any{"type": "string"},
			}, "tabId"),
		},
		{
			Name: "wait_for",
			Description: "Wait until a selector appears or a timeout elapses. " +
				"The call deadline is input.timeout plus a 5 second grace.",
			InputSchema: objectSchema(map[string]any{
				"tabId":    tabIDProp,
				"selector": map[string]any{"type": "string"},
				"timeout":  map[string]any{"type": "number", "minimum": 0, "maximum": 300000},
			}, "tabId", "selector"),
		},
		{
			Name:        "evaluate",
			Description: "Evaluate a JavaScript expression in the page context.",
			InputSchema: objectSchema(map[string]any{
				"tabId":      tabIDProp,
				"expression": map[string]any{"type": "string"},
			}, "tabId", "expression"),
		},
		{
			Name:        "list_tabs",
			Description: "List the tabs in the calling agent's group.",
			InputSchema: objectSchema(map[string]any{}),
		},
		{
			Name:        "create_tab",
			Description: "Open a new tab in the calling agent's group.",
			InputSchema: objectSchema(map[string]any{
				"url": map[string]any{"type": "string"},
			}),
		},
		{
			Name:        "close_tab",
			Description: "Close a tab owned by the calling agent.",
			InputSchema: objectSchema(map[string]any{
				"tabId": tabIDProp,
			}, "tabId"),
		},
		{
			Name: "upload_image",
			Description: "Re-send a previously captured screenshot by image id. " +
				"The worker retains the last ten captures.",
			InputSchema: objectSchema(map[string]any{
				"imageId": map[string]any{"type": "string"},
			}, "imageId"),
		},
		{
			Name:        "browser_event_subscribe",
			Description: "Subscribe to browser events, optionally filtered by URL substring.",
			InputSchema: objectSchema(map[string]any{
				"eventTypes": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"urlPattern": map[string]any{"type": "string"},
			}, "eventTypes"),
		},
		{
			Name:        "browser_event_unsubscribe",
			Description: "Remove an event subscription by id.",
			InputSchema: objectSchema(map[string]any{
				"subscriptionId": map[string]any{"type": "string"},
			}, "subscriptionId"),
		},
		{
			Name:        "get_status",
			Description: "Report server-side connection and session state without reaching the browser.",
			InputSchema: objectSchema(map[string]any{}),
		},
		{
			Name: "switch_browser",
			Description: "Disconnect the current browser and wait up to 60 seconds " +
				"for another one to attach.",
			InputSchema: objectSchema(map[string]any{}),
		},
	}
}

// cdpTools is read by the worker through IsCDPTool, so the catalogue and
// the worker agree on which tools demand a tab lock.
var cdpTools = map[string]struct{}{
	"navigate":    {},
	"click":       {},
	"type_text":   {},
	"screenshot":  {},
	"scrape_page": {},
	"wait_for":    {},
	"evaluate":    {},
}

// IsCDPTool reports whether a tool requires an active debugger attach.
func IsCDPTool(name string) bool {
	_, ok := cdpTools[name]
	return ok
}
