// Package timeline assembles the run hierarchy (run, stage, phase, job, task)
// from the provider's flat timeline records.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pipescope/internal/approvals"
	"pipescope/internal/filters"
	"pipescope/internal/status"
	"pipescope/pkg/azdo"
)

// ErrUnknownRun is reported when children are requested for a run that is not
// part of the current run list.
var ErrUnknownRun = errors.New("run is not in the current run list")

// ErrNoProject is reported when neither the filter state nor the defaults name a project.
var ErrNoProject = errors.New("no project selected")

// Source is the subset of the provider API the builder reads from.
type Source interface {
	ListRuns(ctx context.Context, credential, project string) ([]azdo.Run, error)
	Timeline(ctx context.Context, credential, timelineURL string) ([]azdo.TimelineRecord, error)
	ListApprovals(ctx context.Context, credential, project string) ([]azdo.Approval, error)
	PlanAttachments(ctx context.Context, credential, project string, runID int) (azdo.PlanAttachments, error)
}

// CredentialSource yields the credential used for one call.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// FilterReader reads the operator's current selection.
type FilterReader interface {
	Load(ctx context.Context) (filters.State, error)
}

// Observer is told the presentation states seen by each top-level fetch.
type Observer interface {
	Observe(states []status.State)
}

// Notifier receives tree-changed events. An empty key means the whole tree.
type Notifier interface {
	TreeChanged(key string)
}

// Reporter receives the errors swallowed at the tree boundary.
type Reporter interface {
	Report(op string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(op string, err error)

func (f ReporterFunc) Report(op string, err error) { f(op, err) }

// Options configures a Builder.
type Options struct {
	// Project is used when the filter state selects none.
	Project  string
	MaxRuns  int
	Reporter Reporter
	Observer Observer
	Notifier Notifier
	Logger   *zerolog.Logger
}

const defaultMaxRuns = 20

// Builder computes the children of any tree node on demand. It keeps the runs of
// the newest top-level fetch and the newest timeline snapshot per run; nothing
// else survives a refresh.
type Builder struct {
	source   Source
	creds    CredentialSource
	filters  FilterReader
	project  string
	maxRuns  int
	reporter Reporter
	observer Observer
	notifier Notifier
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	cycle uint64
	runs  map[int]*runEntry
	order []int
}

type runEntry struct {
	run      azdo.Run
	project  string
	approval *azdo.Approval
	plan     *bool

	// issued counts timeline fetches started, applied is the generation of the
	// stored snapshot. Responses older than the stored snapshot are discarded.
	issued  uint64
	applied uint64
	records *Index
}

// NewBuilder creates a builder bound to the provided dependencies.
func NewBuilder(source Source, creds CredentialSource, filterReader FilterReader, opts Options) (*Builder, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	if filterReader == nil {
		return nil, errors.New("filter reader is required")
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = defaultMaxRuns
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}

	return &Builder{
		source:   source,
		creds:    creds,
		filters:  filterReader,
		project:  opts.Project,
		maxRuns:  opts.MaxRuns,
		reporter: reporter,
		observer: opts.Observer,
		notifier: opts.Notifier,
		logger:   logger,
		tracer:   otel.Tracer("pipescope/timeline"),
		runs:     make(map[int]*runEntry),
	}, nil
}

// Runs performs a top-level fetch: the runs of the selected project, filtered by
// folder and truncated, each classified with its active approval. Errors are
// reported and yield an empty list.
func (b *Builder) Runs(ctx context.Context) []Node {
	ctx, span := b.tracer.Start(ctx, "timeline.runs")
	defer span.End()

	b.mu.Lock()
	b.cycle++
	cycle := b.cycle
	b.mu.Unlock()

	fail := func(op string, err error) []Node {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		b.report(op, err)
		b.finishCycle(cycle, nil, nil)
		return nil
	}

	state, err := b.filters.Load(ctx)
	if err != nil {
		b.report("load filters", err)
		state = filters.State{}
	}
	project := state.SelectedProject
	if project == "" {
		project = b.project
	}
	if project == "" {
		return fail("list runs", ErrNoProject)
	}
	span.SetAttributes(attribute.String("azdo.project", project))

	credential, err := b.creds.Credential(ctx)
	if err != nil {
		return fail("list runs", err)
	}

	runs, err := b.source.ListRuns(ctx, credential, project)
	if err != nil {
		return fail("list runs", err)
	}

	// Approvals are a separate query; losing them must not lose the runs.
	var active map[int]azdo.Approval
	list, err := b.source.ListApprovals(ctx, credential, project)
	if err != nil {
		b.report("list approvals", err)
	} else {
		active = approvals.ActiveByRun(list)
	}

	entries := make(map[int]*runEntry)
	var order []int
	nodes := make([]Node, 0, min(len(runs), b.maxRuns))
	for _, run := range runs {
		if len(nodes) == b.maxRuns {
			break
		}
		if !state.FolderAllowed(azdo.FolderBucket(run.Definition.Path)) {
			continue
		}
		if _, dup := entries[run.ID]; dup {
			continue
		}
		entry := &runEntry{run: run, project: project}
		if a, ok := active[run.ID]; ok {
			entry.approval = &a
		}
		entries[run.ID] = entry
		order = append(order, run.ID)
		nodes = append(nodes, runNode(run, entry.approval, nil))
	}
	span.SetAttributes(attribute.Int("pipescope.runs", len(nodes)))

	b.finishCycle(cycle, entries, order)
	return nodes
}

// finishCycle installs the run set and informs the observer, unless a newer
// top-level fetch has started since cycle began.
func (b *Builder) finishCycle(cycle uint64, entries map[int]*runEntry, order []int) {
	b.mu.Lock()
	latest := cycle == b.cycle
	if latest {
		if entries == nil {
			entries = make(map[int]*runEntry)
		}
		b.runs = entries
		b.order = order
	}
	b.mu.Unlock()

	if !latest {
		b.logger.Debug().Uint64("cycle", cycle).Msg("discarding superseded run list")
		return
	}
	if b.observer == nil {
		return
	}
	states := make([]status.State, 0, len(order))
	for _, id := range order {
		e := entries[id]
		states = append(states, status.ClassifyRun(e.run, e.approval != nil))
	}
	b.observer.Observe(states)
}

// Children returns the children of a node: the stages of runID when recordID is
// empty, otherwise the records one level below recordID. The run's timeline is
// fetched again on every call.
func (b *Builder) Children(ctx context.Context, runID int, recordID string) []Node {
	ctx, span := b.tracer.Start(ctx, "timeline.children", trace.WithAttributes(
		attribute.Int("azdo.run_id", runID),
		attribute.String("azdo.record_id", recordID),
	))
	defer span.End()

	b.mu.Lock()
	entry, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		b.report("list children", fmt.Errorf("run %d: %w", runID, ErrUnknownRun))
		return nil
	}

	credential, err := b.creds.Credential(ctx)
	if err != nil {
		span.RecordError(err)
		b.report("fetch timeline", err)
		return nil
	}

	index, err := b.fetchTimeline(ctx, entry, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch timeline")
		b.report("fetch timeline", err)
		return nil
	}

	var records []azdo.TimelineRecord
	if recordID == "" {
		b.resolvePlan(ctx, entry, credential)
		records = index.Stages()
	} else {
		records = index.Children(recordID)
	}

	nodes := make([]Node, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, recordNode(runID, rec))
	}
	return nodes
}

func (b *Builder) fetchTimeline(ctx context.Context, entry *runEntry, credential string) (*Index, error) {
	b.mu.Lock()
	entry.issued++
	generation := entry.issued
	b.mu.Unlock()

	records, err := b.source.Timeline(ctx, credential, entry.run.TimelineURL())
	if err != nil {
		return nil, err
	}
	index := NewIndex(records)

	b.mu.Lock()
	defer b.mu.Unlock()
	if generation > entry.applied {
		entry.applied = generation
		entry.records = index
	} else {
		b.logger.Debug().Int("run", entry.run.ID).Uint64("generation", generation).Msg("discarding superseded timeline")
	}
	return entry.records, nil
}

// resolvePlan looks up the plan attachment once per run and fetch cycle.
// Failures are reported and not cached.
func (b *Builder) resolvePlan(ctx context.Context, entry *runEntry, credential string) {
	b.mu.Lock()
	known := entry.plan != nil
	b.mu.Unlock()
	if known {
		return
	}

	attachments, err := b.source.PlanAttachments(ctx, credential, entry.project, entry.run.ID)
	if err != nil {
		b.report("plan attachments", err)
		return
	}
	available := attachments.Available()

	b.mu.Lock()
	first := entry.plan == nil
	if first {
		entry.plan = &available
	}
	b.mu.Unlock()

	if first && available && b.notifier != nil {
		b.notifier.TreeChanged(azdo.RunKey(entry.run.ID))
	}
}

// Run returns the node of runID from the newest run list.
func (b *Builder) Run(runID int) (Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.runs[runID]
	if !ok {
		return Node{}, false
	}
	return runNode(entry.run, entry.approval, entry.plan), true
}

// Record returns a record node from the newest stored timeline of runID
// without fetching.
func (b *Builder) Record(runID int, recordID string) (Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.runs[runID]
	if !ok || entry.records == nil {
		return Node{}, false
	}
	rec, ok := entry.records.Record(recordID)
	if !ok {
		return Node{}, false
	}
	return recordNode(runID, rec), true
}

// Project returns the project a run of the current list was fetched from.
func (b *Builder) Project(runID int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.runs[runID]
	if !ok {
		return "", false
	}
	return entry.project, true
}

func (b *Builder) report(op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	b.reporter.Report(op, err)
}

// NewLogReporter reports errors to logger. Credential and sign-in problems are
// logged at error level, everything else at warn.
func NewLogReporter(logger zerolog.Logger) Reporter {
	return ReporterFunc(func(op string, err error) {
		event := logger.Warn()
		if azdo.IsAuthFailure(err) {
			event = logger.Error()
		}
		event.Err(err).Str("op", op).Msg("fetch failed")
	})
}
