// Package approvals lists and resolves pending approval gates.
package approvals

import "pipescope/pkg/azdo"

// Pending returns the pending approvals owned by runID in list order.
func Pending(all []azdo.Approval, runID int) []azdo.Approval {
	var out []azdo.Approval
	for _, a := range all {
		if a.OwnerID() == runID && a.Status == azdo.ApprovalPending {
			out = append(out, a)
		}
	}
	return out
}

// ActiveByRun maps each run to its active approval. When a run has several
// pending approvals the earliest in list order is the active one.
func ActiveByRun(all []azdo.Approval) map[int]azdo.Approval {
	active := make(map[int]azdo.Approval)
	for _, a := range all {
		if a.Status != azdo.ApprovalPending {
			continue
		}
		if _, ok := active[a.OwnerID()]; ok {
			continue
		}
		active[a.OwnerID()] = a
	}
	return active
}
