package azdo

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestAPI(t *testing.T, handler http.Handler) *API {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	api, err := NewAPI(newTestClient(), APIConfig{OrgURL: srv.URL + "/contoso/"})
	if err != nil {
		t.Fatalf("NewAPI() error = %v", err)
	}
	return api
}

func TestListRunsBuildsProviderURL(t *testing.T) {
	var gotPath, gotQuery string
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"count":1,"value":[{"id":42,"status":"inProgress","definition":{"name":"infra"},"_links":{"timeline":{"href":"https://dev.azure.com/t/42"}}}]}`)
	}))

	runs, err := api.ListRuns(context.Background(), "pat", "Platform Team")
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if gotPath != "/contoso/Platform Team/_apis/build/builds" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "api-version=7.0&queryOrder=queueTimeDescending" {
		t.Fatalf("query = %q", gotQuery)
	}
	if len(runs) != 1 || runs[0].ID != 42 || runs[0].Status != RunStatusInProgress || runs[0].TimelineURL() != "https://dev.azure.com/t/42" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestListRunsRedirectYieldsNoRuns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/_signin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<!DOCTYPE html><html>login</html>")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/_signin", http.StatusFound)
	})
	api := newTestAPI(t, mux)

	runs, err := api.ListRuns(context.Background(), "pat", "proj")
	var redirect *AuthRedirectError
	if !errors.As(err, &redirect) {
		t.Fatalf("error = %T %v, want *AuthRedirectError", err, err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs = %v, want none", runs)
	}
}

func TestListRunsRejectsRunWithoutTimeline(t *testing.T) {
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"value":[{"id":7}]}`)
	}))

	_, err := api.ListRuns(context.Background(), "pat", "proj")
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
}

func TestPlanAttachments(t *testing.T) {
	var gotPath string
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"count":1,"value":[{"_links":{"self":{"href":"https://x/plan"}}}]}`)
	}))

	plans, err := api.PlanAttachments(context.Background(), "pat", "proj", 9)
	if err != nil {
		t.Fatalf("PlanAttachments() error = %v", err)
	}
	if gotPath != "/contoso/proj/_apis/build/builds/9/attachments/terraform-plan-results" {
		t.Fatalf("path = %q", gotPath)
	}
	if !plans.Available() || plans.Value[0].Links.Self.Href != "https://x/plan" {
		t.Fatalf("plans = %+v", plans)
	}
}

func TestDefinitionFolder(t *testing.T) {
	tests := map[string]string{
		`\`:              "",
		"":               "",
		`\Infra\Network`: "Infra/Network",
		"/apps/web/":     "apps/web",
		`  \Release\  `:  "Release",
	}
	for path, want := range tests {
		def := PipelineDefinition{Path: path}
		if got := def.Folder(); got != want {
			t.Errorf("Folder(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestFolderBucket(t *testing.T) {
	tests := map[string]string{
		`\`:          Uncategorized,
		"":           Uncategorized,
		`\infra`:     "infra",
		`\apps\web\`: "apps/web",
	}
	for path, want := range tests {
		if got := FolderBucket(path); got != want {
			t.Errorf("FolderBucket(%q) = %q, want %q", path, got, want)
		}
	}
}
