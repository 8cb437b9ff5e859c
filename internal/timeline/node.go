package timeline

import (
	"fmt"
	"strings"

	"pipescope/internal/status"
	"pipescope/pkg/azdo"
)

// Kind is the tree level of a node.
type Kind string

const (
	KindRun   Kind = "run"
	KindStage Kind = "stage"
	KindPhase Kind = "phase"
	KindJob   Kind = "job"
	KindTask  Kind = "task"
)

var recordKinds = map[azdo.RecordType]Kind{
	azdo.RecordStage: KindStage,
	azdo.RecordPhase: KindPhase,
	azdo.RecordJob:   KindJob,
	azdo.RecordTask:  KindTask,
}

// Node is one element of the run hierarchy as handed to a view.
type Node struct {
	Kind       Kind            `json:"kind"`
	ID         string          `json:"id"`
	RunID      int             `json:"run_id"`
	Label      string          `json:"label"`
	State      status.State    `json:"state"`
	Category   status.Category `json:"category"`
	Icon       string          `json:"icon"`
	Paused     bool            `json:"paused,omitempty"`
	Expandable bool            `json:"expandable"`
	WebURL     string          `json:"web_url,omitempty"`
	LogURL     string          `json:"log_url,omitempty"`

	Run           *azdo.Run            `json:"run,omitempty"`
	Record        *azdo.TimelineRecord `json:"record,omitempty"`
	Approval      *azdo.Approval       `json:"approval,omitempty"`
	PlanAvailable *bool                `json:"plan_available,omitempty"`
}

// Key identifies the node for tree-changed notifications.
func (n Node) Key() string {
	if n.Kind == KindRun {
		return azdo.RunKey(n.RunID)
	}
	return azdo.RunKey(n.RunID) + "/" + n.ID
}

func runNode(run azdo.Run, approval *azdo.Approval, plan *bool) Node {
	state := status.ClassifyRun(run, approval != nil)
	r := run
	return Node{
		Kind:          KindRun,
		ID:            azdo.RunKey(run.ID),
		RunID:         run.ID,
		Label:         runLabel(run),
		State:         state,
		Category:      state.Category(),
		Icon:          state.Icon(),
		Paused:        state.Paused(),
		Expandable:    true,
		WebURL:        run.WebURL(),
		Run:           &r,
		Approval:      approval,
		PlanAvailable: plan,
	}
}

func recordNode(runID int, rec azdo.TimelineRecord) Node {
	state := status.ClassifyRecord(rec)
	r := rec
	return Node{
		Kind:       recordKinds[rec.Type],
		ID:         rec.ID,
		RunID:      runID,
		Label:      fmt.Sprintf("%s: %s", rec.Type, rec.Name),
		State:      state,
		Category:   state.Category(),
		Icon:       state.Icon(),
		Paused:     state.Paused(),
		Expandable: rec.Type != azdo.RecordTask,
		LogURL:     rec.LogURL(),
		Record:     &r,
	}
}

func runLabel(run azdo.Run) string {
	name := strings.TrimSpace(run.Definition.Name)
	if name == "" {
		name = run.BuildNumber
	}
	return fmt.Sprintf("%s - %d", name, run.ID)
}
