package api

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestBuildOpenAPIDoc(t *testing.T) {
	doc := buildOpenAPIDoc()

	if doc["openapi"] != "3.1.0" {
		t.Errorf("expected openapi 3.1.0, got %v", doc["openapi"])
	}
	paths := doc["paths"].(map[string]any)
	for _, rt := range routes {
		item, ok := paths[rt.path].(map[string]any)
		if !ok {
			t.Fatalf("missing path %s", rt.path)
		}
		op, ok := item[rt.method].(map[string]any)
		if !ok {
			t.Fatalf("missing %s %s", rt.method, rt.path)
		}
		if op["operationId"] != rt.id {
			t.Errorf("%s %s: operationId %v, want %s", rt.method, rt.path, op["operationId"], rt.id)
		}
		if rt.body != "" {
			if _, ok := schemas[rt.body]; !ok {
				t.Errorf("%s %s references unknown schema %s", rt.method, rt.path, rt.body)
			}
		}
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/openapi.json", "code-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	info := doc["info"].(map[string]any)
	if info["title"] != "motionhost" {
		t.Errorf("title = %v", info["title"])
	}
}
