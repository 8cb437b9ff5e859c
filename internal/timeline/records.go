package timeline

import (
	"slices"

	"pipescope/pkg/azdo"
)

// childType maps a record level onto the level of its children.
var childType = map[azdo.RecordType]azdo.RecordType{
	azdo.RecordStage: azdo.RecordPhase,
	azdo.RecordPhase: azdo.RecordJob,
	azdo.RecordJob:   azdo.RecordTask,
}

// Index is a flat, parent keyed view over one timeline fetch. Records that
// cannot be reached from a root by following parent ids are dropped.
type Index struct {
	byID     map[string]azdo.TimelineRecord
	children map[string][]azdo.TimelineRecord
	stages   []azdo.TimelineRecord
}

// NewIndex indexes records. When an id repeats, the first record wins.
func NewIndex(records []azdo.TimelineRecord) *Index {
	all := make(map[string]azdo.TimelineRecord, len(records))
	byParent := make(map[string][]string)
	var roots []string
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, dup := all[rec.ID]; dup {
			continue
		}
		all[rec.ID] = rec
		if rec.ParentID == nil {
			roots = append(roots, rec.ID)
			continue
		}
		byParent[rec.Parent()] = append(byParent[rec.Parent()], rec.ID)
	}

	ix := &Index{
		byID:     make(map[string]azdo.TimelineRecord, len(all)),
		children: make(map[string][]azdo.TimelineRecord),
	}

	// Breadth first from the roots. A parent chain that loops never touches a
	// root, so its records stay unreachable.
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := ix.byID[id]; seen {
			continue
		}
		rec := all[id]
		ix.byID[id] = rec
		if rec.ParentID != nil {
			ix.children[rec.Parent()] = append(ix.children[rec.Parent()], rec)
		}
		queue = append(queue, byParent[id]...)
	}

	listed := make(map[string]bool)
	for _, rec := range records {
		got, ok := ix.byID[rec.ID]
		if !ok || got.Type != azdo.RecordStage || listed[rec.ID] {
			continue
		}
		listed[rec.ID] = true
		ix.stages = append(ix.stages, got)
	}
	return ix
}

// Len returns the number of reachable records.
func (ix *Index) Len() int { return len(ix.byID) }

// Record returns the reachable record with id.
func (ix *Index) Record(id string) (azdo.TimelineRecord, bool) {
	rec, ok := ix.byID[id]
	return rec, ok
}

// Stages returns the reachable Stage records in source order.
func (ix *Index) Stages() []azdo.TimelineRecord {
	return slices.Clone(ix.stages)
}

// Children returns the records one level below parentID. Tasks are ordered by
// finish time with unfinished tasks last.
func (ix *Index) Children(parentID string) []azdo.TimelineRecord {
	parent, ok := ix.byID[parentID]
	if !ok {
		return nil
	}
	want, ok := childType[parent.Type]
	if !ok {
		return nil
	}

	var out []azdo.TimelineRecord
	for _, rec := range ix.children[parentID] {
		if rec.Type == want {
			out = append(out, rec)
		}
	}
	if want == azdo.RecordTask {
		sortTasks(out)
	}
	return out
}

func sortTasks(tasks []azdo.TimelineRecord) {
	slices.SortStableFunc(tasks, func(a, b azdo.TimelineRecord) int {
		switch {
		case a.FinishTime == nil && b.FinishTime == nil:
			return 0
		case a.FinishTime == nil:
			return 1
		case b.FinishTime == nil:
			return -1
		default:
			return a.FinishTime.Compare(*b.FinishTime)
		}
	})
}
