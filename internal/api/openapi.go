package api

// route describes one endpoint for the OpenAPI document.
type route struct {
	method  string
	path    string
	id      string
	summary string
	scope   string
	body    string
}

var routes = []route{
	{"post", "/code", "runCode", "Run a code on a channel and wait for its result", "code:rw", "CodeRequest"},
	{"get", "/job", "getJob", "Current job state", "job:ro", ""},
	{"post", "/job/select", "selectJob", "Select a job file, optionally simulating or starting it", "job:rw", "SelectRequest"},
	{"post", "/job/pause", "pauseJob", "Pause the running job", "job:rw", "PauseRequest"},
	{"post", "/job/resume", "resumeJob", "Start or resume the selected job", "job:rw", ""},
	{"post", "/job/cancel", "cancelJob", "Cancel the selected job", "job:rw", ""},
	{"post", "/job/abort", "abortJob", "Abort the selected job", "job:rw", ""},
	{"post", "/job/position", "setJobPosition", "Move a paused reader to a file offset", "job:rw", "PositionRequest"},
	{"get", "/job/history", "listRuns", "Past job runs, newest first", "job:ro", ""},
	{"get", "/job/history/{runID}", "getRun", "One job run", "job:ro", ""},
	{"get", "/diagnostics", "diagnostics", "Pipeline and job diagnostics", "ro", ""},
	{"get", "/events", "events", "Server-sent event stream", "ro", ""},
}

var schemas = map[string]any{
	"CodeRequest": object(map[string]any{
		"code":        str(),
		"channel":     str(),
		"prioritized": boolean(),
	}, "code"),
	"SelectRequest": object(map[string]any{
		"file":     str(),
		"simulate": boolean(),
		"start":    boolean(),
	}, "file"),
	"PauseRequest": object(map[string]any{
		"position": integer(),
		"reason":   str(),
	}),
	"PositionRequest": object(map[string]any{
		"motion_system": integer(),
		"position":      integer(),
	}, "position"),
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document of the API routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		op := map[string]any{
			"operationId": rt.id,
			"summary":     rt.summary,
			"description": "Requires scope " + rt.scope + ".",
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"400": map[string]any{"description": "Bad request"},
				"403": map[string]any{"description": "Insufficient scope"},
				"409": map[string]any{"description": "No job selected or invalid job state"},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
		}
		if rt.body != "" {
			op["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{"$ref": "#/components/schemas/" + rt.body},
					},
				},
			}
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "motionhost",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": schemas,
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func str() map[string]any     { return map[string]any{"type": "string"} }
func boolean() map[string]any { return map[string]any{"type": "boolean"} }
func integer() map[string]any { return map[string]any{"type": "integer"} }
