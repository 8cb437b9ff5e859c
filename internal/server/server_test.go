package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pipescope/internal/approvals"
	"pipescope/internal/definitions"
	"pipescope/internal/filters"
	"pipescope/internal/notify"
	"pipescope/internal/refresh"
	"pipescope/internal/status"
	"pipescope/internal/timeline"
	"pipescope/pkg/azdo"
)

type fakeTree struct {
	runs     []timeline.Node
	children map[string][]timeline.Node
	projects map[int]string
}

func (f *fakeTree) Runs(context.Context) []timeline.Node { return f.runs }

func (f *fakeTree) Children(_ context.Context, runID int, recordID string) []timeline.Node {
	return f.children[fmt.Sprintf("%d/%s", runID, recordID)]
}

func (f *fakeTree) Project(runID int) (string, bool) {
	p, ok := f.projects[runID]
	return p, ok
}

type fakeApprovals struct {
	mu       sync.Mutex
	pending  []azdo.Approval
	err      error
	calls    []string
	projects []string
}

func (f *fakeApprovals) ListPending(_ context.Context, project string, _ int) ([]azdo.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, project)
	return f.pending, f.err
}

func (f *fakeApprovals) decide(verb, id, project, comment string) (azdo.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verb+" "+id+" "+project+" "+comment)
	if f.err != nil {
		return azdo.Approval{}, f.err
	}
	a := azdo.Approval{ID: id, Status: azdo.ApprovalStatus(verb)}
	a.Pipeline.Owner.ID = 42
	return a, nil
}

func (f *fakeApprovals) Approve(_ context.Context, id, project, comment string) (azdo.Approval, error) {
	return f.decide("approved", id, project, comment)
}

func (f *fakeApprovals) Reject(_ context.Context, id, project, comment string) (azdo.Approval, error) {
	return f.decide("rejected", id, project, comment)
}

type fakeDefinitions struct {
	gotProject string
	gotAllowed []string
}

func (f *fakeDefinitions) Folders(_ context.Context, project string, allowed []string) ([]definitions.Folder, error) {
	f.gotProject = project
	f.gotAllowed = allowed
	return []definitions.Folder{{Name: "infra"}}, nil
}

type fakeRefresher struct{ state refresh.State }

func (f *fakeRefresher) Start()               { f.state = refresh.Running }
func (f *fakeRefresher) Stop()                { f.state = refresh.Stopped }
func (f *fakeRefresher) State() refresh.State { return f.state }

type keys struct {
	mu  sync.Mutex
	got []string
}

func (k *keys) TreeChanged(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.got = append(k.got, key)
}

func (k *keys) snapshot() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.got...)
}

type fixture struct {
	tree      *fakeTree
	approvals *fakeApprovals
	defs      *fakeDefinitions
	filters   *filters.MemoryStore
	refresh   *fakeRefresher
	broker    *notify.Broker
	notified  *keys
	handler   http.Handler
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		tree: &fakeTree{
			runs: []timeline.Node{{Kind: timeline.KindRun, ID: "1", RunID: 1, Label: "deploy - 1", State: status.Running}},
			children: map[string][]timeline.Node{
				"1/":   {{Kind: timeline.KindStage, ID: "s1", RunID: 1, Label: "Stage: Build"}},
				"1/s1": {{Kind: timeline.KindPhase, ID: "p1", RunID: 1, Label: "Phase: Job"}},
			},
			projects: map[int]string{1: "alpha"},
		},
		approvals: &fakeApprovals{},
		defs:      &fakeDefinitions{},
		filters:   filters.NewMemoryStore(filters.State{}),
		refresh:   &fakeRefresher{state: refresh.Stopped},
		broker:    notify.NewBroker(4, zerolog.Nop()),
		notified:  &keys{},
	}
	opts := Options{
		Tree:        f.tree,
		Approvals:   f.approvals,
		Definitions: f.defs,
		Filters:     f.filters,
		Refresh:     f.refresh,
		Events:      f.broker,
		Notifier:    notify.Multi{f.broker, f.notified},
		Logger:      zerolog.Nop(),
		RateLimit:   1000,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.handler = srv.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Ready = func(context.Context) error { return errors.New("db down") }
	})
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestTreeEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		path      string
		wantCode  int
		wantLabel []string
	}{
		{path: "/v1/runs", wantCode: http.StatusOK, wantLabel: []string{"deploy - 1"}},
		{path: "/v1/runs/1/children", wantCode: http.StatusOK, wantLabel: []string{"Stage: Build"}},
		{path: "/v1/runs/1/records/s1/children", wantCode: http.StatusOK, wantLabel: []string{"Phase: Job"}},
		{path: "/v1/runs/9/children", wantCode: http.StatusOK, wantLabel: []string{}},
		{path: "/v1/runs/abc/children", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			body := decode[struct {
				Nodes []timeline.Node `json:"nodes"`
			}](t, rec)
			labels := []string{}
			for _, n := range body.Nodes {
				labels = append(labels, n.Label)
			}
			if !reflect.DeepEqual(labels, tt.wantLabel) {
				t.Fatalf("labels = %v, want %v", labels, tt.wantLabel)
			}
		})
	}
}

func TestPendingApprovalsUsesRunProject(t *testing.T) {
	f := newFixture(t, nil)
	f.approvals.pending = []azdo.Approval{{ID: "a1", Status: azdo.ApprovalPending}}

	rec := f.do(t, http.MethodGet, "/v1/runs/1/approvals", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	if !reflect.DeepEqual(f.approvals.projects, []string{"alpha"}) {
		t.Fatalf("projects = %v", f.approvals.projects)
	}

	// Runs not in the current list fall back to the selected project.
	if rec := f.do(t, http.MethodGet, "/v1/runs/7/approvals", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown run without project = %d", rec.Code)
	}
}

func TestDecide(t *testing.T) {
	const id = "9c1b7f7e-7c4a-4c55-9a57-0c7e6f3b9d11"

	tests := []struct {
		name     string
		path     string
		body     string
		err      error
		wantCode int
		wantCall string
	}{
		{name: "approve", path: "/v1/approvals/" + id + "/approve", body: `{"comment":"ship it","project":"alpha"}`, wantCode: http.StatusOK, wantCall: "approved " + id + " alpha ship it"},
		{name: "reject without body", path: "/v1/approvals/" + id + "/reject", wantCode: http.StatusOK, wantCall: "rejected " + id + " beta "},
		{name: "not pending", path: "/v1/approvals/" + id + "/approve", err: approvals.ErrNotPending, wantCode: http.StatusConflict},
		{name: "invalid id", path: "/v1/approvals/x/approve", err: approvals.ErrInvalidID, wantCode: http.StatusBadRequest},
		{name: "unauthorized", path: "/v1/approvals/" + id + "/approve", err: azdo.ErrUnauthorized, wantCode: http.StatusUnauthorized},
		{name: "remote", path: "/v1/approvals/" + id + "/approve", err: &azdo.RemoteError{Status: 500}, wantCode: http.StatusBadGateway},
		{name: "unknown field", path: "/v1/approvals/" + id + "/approve", body: `{"nope":1}`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.Project = "beta" })
			f.approvals.err = tt.err

			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCall == "" {
				return
			}
			if !reflect.DeepEqual(f.approvals.calls, []string{tt.wantCall}) {
				t.Fatalf("calls = %q", f.approvals.calls)
			}
			if got := f.notified.snapshot(); !reflect.DeepEqual(got, []string{"42"}) {
				t.Fatalf("notified = %v", got)
			}
		})
	}
}

func TestFilters(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/v1/filters", `{"selected_project":"alpha","allowed_projects":["alpha","beta"],"allowed_folders":["infra"," infra ","apps"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d: %s", rec.Code, rec.Body.String())
	}
	state, _ := f.filters.Load(context.Background())
	if state.SelectedProject != "alpha" || len(state.AllowedProjects) != 2 || len(state.AllowedFolders) != 2 {
		t.Fatalf("state = %+v", state)
	}

	rec = f.do(t, http.MethodPost, "/v1/project", `{"project":"beta"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d: %s", rec.Code, rec.Body.String())
	}
	state = decode[filters.State](t, rec)
	if state.SelectedProject != "beta" || len(state.AllowedFolders) != 0 {
		t.Fatalf("selected state = %+v", state)
	}

	rec = f.do(t, http.MethodPut, "/v1/filters", `{"selected_project":"beta","allowed_projects":["alpha","beta"],"allowed_folders":["web"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put same project = %d: %s", rec.Code, rec.Body.String())
	}
	if state = decode[filters.State](t, rec); !reflect.DeepEqual(state.AllowedFolders, []string{"web"}) {
		t.Fatalf("same project folders = %v", state.AllowedFolders)
	}

	rec = f.do(t, http.MethodPut, "/v1/filters", `{"selected_project":"alpha","allowed_projects":["alpha","beta"],"allowed_folders":["web"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put project change = %d: %s", rec.Code, rec.Body.String())
	}
	state, _ = f.filters.Load(context.Background())
	if state.SelectedProject != "alpha" || len(state.AllowedFolders) != 0 {
		t.Fatalf("project change kept folders: %+v", state)
	}

	rec = f.do(t, http.MethodPost, "/v1/project", `{"project":"beta"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reselect = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := f.do(t, http.MethodPost, "/v1/project", `{"project":"gamma"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("disallowed project = %d", rec.Code)
	}
	if got := f.notified.snapshot(); !reflect.DeepEqual(got, []string{"", "", "", "", ""}) {
		t.Fatalf("notified = %q", got)
	}

	rec = f.do(t, http.MethodGet, "/v1/filters", "")
	if got := decode[filters.State](t, rec); got.SelectedProject != "beta" {
		t.Fatalf("get filters = %+v", got)
	}
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/v1/definitions", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("no project = %d", rec.Code)
	}

	_ = f.filters.Save(context.Background(), filters.State{SelectedProject: "alpha", AllowedFolders: []string{"infra"}})
	rec := f.do(t, http.MethodGet, "/v1/definitions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("definitions = %d: %s", rec.Code, rec.Body.String())
	}
	if f.defs.gotProject != "alpha" || !reflect.DeepEqual(f.defs.gotAllowed, []string{"infra"}) {
		t.Fatalf("folders called with %q %v", f.defs.gotProject, f.defs.gotAllowed)
	}
}

func TestRefreshControl(t *testing.T) {
	f := newFixture(t, nil)
	steps := []struct {
		method, path string
		want         refresh.State
	}{
		{http.MethodGet, "/v1/refresh", refresh.Stopped},
		{http.MethodPost, "/v1/refresh/start", refresh.Running},
		{http.MethodGet, "/v1/refresh", refresh.Running},
		{http.MethodPost, "/v1/refresh/stop", refresh.Stopped},
	}
	for _, step := range steps {
		rec := f.do(t, step.method, step.path, "")
		got := decode[struct {
			State refresh.State `json:"state"`
		}](t, rec)
		if got.State != step.want {
			t.Fatalf("%s %s state = %q, want %q", step.method, step.path, got.State, step.want)
		}
	}
}

func TestDecisionsRouteOnlyWithLog(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/v1/runs/1/decisions", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("without log = %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); line != ": connected\n" {
		t.Fatalf("first line = %q", line)
	}
	if f.broker.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", f.broker.Subscribers())
	}

	f.broker.TreeChanged("5")
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == "event: tree_changed\n" {
			break
		}
	}
	data, _ := reader.ReadString('\n')
	if !strings.HasPrefix(data, "data: ") || !strings.Contains(data, `"key":"5"`) {
		t.Fatalf("data line = %q", data)
	}
}
