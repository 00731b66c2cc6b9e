package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"--name", "daily report", "--priority", "2", "stray"})
	if args["name"] != "daily report" {
		t.Errorf("name: %q", args["name"])
	}
	if args["priority"] != "2" {
		t.Errorf("priority: %q", args["priority"])
	}
	if len(args) != 2 {
		t.Errorf("expected 2 parsed flags, got %d", len(args))
	}
}

func TestParseArgsMissingValue(t *testing.T) {
	args := parseArgs([]string{"--name"})
	if len(args) != 0 {
		t.Errorf("trailing flag without value should be ignored, got %v", args)
	}
}

func TestCallDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["description"] != "review the parser" {
			t.Errorf("description: %v", body["description"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(task{ID: "t-1", Description: "review the parser"})
	}))
	defer srv.Close()
	t.Setenv("HIVE_API_URL", srv.URL)

	var created task
	err := call("POST", "/api/tasks", map[string]any{"description": "review the parser"}, &created)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if created.ID != "t-1" {
		t.Errorf("id: %q", created.ID)
	}
}

func TestCallSendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != "secret" {
			t.Errorf("expected basic auth with configured password")
		}
		json.NewEncoder(w).Encode([]task{})
	}))
	defer srv.Close()
	t.Setenv("HIVE_API_URL", srv.URL)
	t.Setenv("HIVE_API_PASSWORD", "secret")

	var tasks []task
	if err := call("GET", "/api/tasks", nil, &tasks); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestCallSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiError{Error: "description is required"})
	}))
	defer srv.Close()
	t.Setenv("HIVE_API_URL", srv.URL)

	err := call("POST", "/api/tasks", map[string]any{}, nil)
	if err == nil || err.Error() != "description is required" {
		t.Errorf("expected api error message, got %v", err)
	}
}
