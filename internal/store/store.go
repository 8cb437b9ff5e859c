// Package store persists filter state and the approval decision log in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"pipescope/internal/approvals"
	"pipescope/internal/filters"
	"pipescope/pkg/db"
)

// Querier is the subset of db.DB the store needs.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Get(ctx context.Context, dest any, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
}

// Postgres implements filters.Store and approvals.Recorder.
type Postgres struct {
	q Querier
}

// New creates a store bound to q.
func New(q Querier) (*Postgres, error) {
	if q == nil {
		return nil, errors.New("querier is required")
	}
	return &Postgres{q: q}, nil
}

const (
	loadFiltersSQL = `SELECT selected_project, allowed_projects, allowed_folders FROM filter_state WHERE id = 1`
	saveFiltersSQL = `INSERT INTO filter_state (id, selected_project, allowed_projects, allowed_folders, updated_at)
VALUES (1, $1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET
	selected_project = EXCLUDED.selected_project,
	allowed_projects = EXCLUDED.allowed_projects,
	allowed_folders  = EXCLUDED.allowed_folders,
	updated_at       = now()`
	insertDecisionSQL = `INSERT INTO approval_decisions (approval_id, project, run_id, status, comment, decided_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	listDecisionsSQL = `SELECT approval_id::text AS approval_id, project, run_id, status, comment, decided_at
FROM approval_decisions WHERE project = $1 AND run_id = $2 ORDER BY decided_at DESC`
)

// Load returns the stored filter state, or the zero state when none was saved.
func (p *Postgres) Load(ctx context.Context) (filters.State, error) {
	var state filters.State
	if err := p.q.Get(ctx, &state, loadFiltersSQL); err != nil {
		if db.NotFound(err) {
			return filters.State{}, nil
		}
		return filters.State{}, fmt.Errorf("load filter state: %w", err)
	}
	return state, nil
}

// Save replaces the stored filter state.
func (p *Postgres) Save(ctx context.Context, state filters.State) error {
	_, err := p.q.Exec(ctx, saveFiltersSQL, state.SelectedProject, nonNil(state.AllowedProjects), nonNil(state.AllowedFolders))
	if err != nil {
		return fmt.Errorf("save filter state: %w", err)
	}
	return nil
}

// RecordDecision appends d to the decision log.
func (p *Postgres) RecordDecision(ctx context.Context, d approvals.Decision) error {
	_, err := p.q.Exec(ctx, insertDecisionSQL,
		strings.ToLower(d.ApprovalID), d.Project, d.RunID, string(d.Status), d.Comment, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// Decisions returns the logged decisions of a run, newest first.
func (p *Postgres) Decisions(ctx context.Context, project string, runID int) ([]approvals.Decision, error) {
	var out []approvals.Decision
	if err := p.q.Select(ctx, &out, listDecisionsSQL, project, runID); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
