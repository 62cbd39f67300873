package parser

// workflowSchema is the JSON schema a workflow document must satisfy before
// the spec is built. Cross-reference rules (start-task resolution, successor
// targets, action-vs-workflow exclusivity) live in models.WorkflowSpec
// Validate since a schema cannot express them.
const workflowSchema = `{
	"type": "object",
	"properties": {
		"version": {"type": "string"},
		"name": {"type": "string"},
		"description": {"type": "string"},
		"type": {"enum": ["reverse", "direct"]},
		"start-task": {"type": "string"},
		"timeout": {"type": "integer", "minimum": 0},
		"parameters": {"type": ["array", "null"]},
		"output": {"type": ["object", "null"]},
		"on-task-complete": {"type": ["array", "null"]},
		"on-task-success": {"type": ["array", "null"]},
		"on-task-error": {"type": ["array", "null"]},
		"tasks": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"properties": {
					"action": {"type": "string"},
					"workflow": {"type": "string"},
					"input": {"type": ["object", "null"]},
					"with-items": {"type": "string"},
					"publish": {"type": ["object", "null"]},
					"retry": {
						"type": "object",
						"properties": {
							"count": {"type": "integer", "minimum": 0},
							"delay": {"type": "integer", "minimum": 0},
							"continue-on": {"type": "string"},
							"break-on": {"type": "string"}
						},
						"required": ["count"],
						"additionalProperties": false
					},
					"wait-before": {"type": "integer", "minimum": 0},
					"wait-after": {"type": "integer", "minimum": 0},
					"timeout": {"type": "integer", "minimum": 0},
					"join": {"anyOf": [{"enum": ["all"]}, {"type": "integer", "minimum": 1}]},
					"requires": {"type": ["array", "null"], "items": {"type": "string"}},
					"on-complete": {"type": ["array", "null"]},
					"on-success": {"type": ["array", "null"]},
					"on-error": {"type": ["array", "null"]}
				},
				"additionalProperties": false
			}
		}
	},
	"required": ["version", "name", "type", "tasks"],
	"additionalProperties": false
}`
