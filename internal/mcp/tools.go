package mcp

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDefinition models MCP resource metadata.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

const (
	resourceStats    = "mem0://stats"
	resourceMemories = "mem0://memories"
)

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "mem0_add_memory",
			Description: "Store a memory in every configured backend. Content wins over messages when both are given.",
			InputSchema: jsonSchema(withScope(map[string]any{
				"messages": map[string]any{
					"type":        "array",
					"description": "Conversation turns to remember.",
					"items": jsonSchema(map[string]any{
						"role":    propString("Speaker role, e.g. user or assistant."),
						"content": propString("Turn text."),
					}, []string{"content"}),
				},
				"content":    propString("Memory text. Overrides messages."),
				"metadata":   map[string]any{"type": "object", "description": "Arbitrary metadata."},
				"importance": propNumber("Importance between 0 and 1. Defaults to 0.5."),
			}), nil),
		},
		{
			Name:        "mem0_search_memory",
			Description: "Semantic search across all backends, fused into one ranked list.",
			InputSchema: jsonSchema(withScope(map[string]any{
				"query": propString("What to look for."),
				"limit": propNumber("Maximum results (default 10, at most 100)."),
			}), []string{"query"}),
		},
		{
			Name:        "mem0_update_memory",
			Description: "Update a memory's content, metadata or importance.",
			InputSchema: jsonSchema(map[string]any{
				"memory_id": propString("Memory ID to update."),
				"data": map[string]any{
					"description": "Replacement content as a string, or a patch object with content, metadata and importance.",
					"oneOf": []any{
						map[string]any{"type": "string"},
						jsonSchema(map[string]any{
							"content":    propString("Replacement content."),
							"metadata":   map[string]any{"type": "object", "description": "Keys to merge. A null value removes the key."},
							"importance": propNumber("Importance between 0 and 1."),
						}, nil),
					},
				},
			}, []string{"memory_id", "data"}),
		},
		{
			Name:        "mem0_delete_memory",
			Description: "Delete a memory from every backend. Deleting twice succeeds.",
			InputSchema: jsonSchema(map[string]any{
				"memory_id": propString("Memory ID to delete."),
			}, []string{"memory_id"}),
		},
		{
			Name:        "mem0_get_all_memory",
			Description: "List memories in a scope, newest first.",
			InputSchema: jsonSchema(withScope(map[string]any{
				"limit": propNumber("Maximum memories (default 100, at most 1000)."),
			}), nil),
		},
		{
			Name:        "mem0_get_memory_stats",
			Description: "Report backend health, live memory count and embedding dimensions.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
	}
}

func resourceDefinitions() []ResourceDefinition {
	return []ResourceDefinition{
		{
			URI:         resourceStats,
			Name:        "stats",
			Description: "Backend health and memory counts.",
			MimeType:    "application/json",
		},
		{
			URI:         resourceMemories,
			Name:        "memories",
			Description: "Most recently updated memories across all scopes.",
			MimeType:    "application/json",
		},
	}
}

func withScope(properties map[string]any) map[string]any {
	properties["user_id"] = propString("Owning user.")
	properties["agent_id"] = propString("Owning agent.")
	properties["app_id"] = propString("Owning application.")
	return properties
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
