package azdo

import (
	"strconv"
	"strings"
	"time"
)

// RunStatus is the provider's build status.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "inProgress"
	RunStatusPending    RunStatus = "pending"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusNotStarted RunStatus = "notStarted"
	RunStatusPostponed  RunStatus = "postponed"
	RunStatusCancelling RunStatus = "cancelling"
)

// Queued reports whether the run is waiting to execute. The builds API reports
// queued runs as notStarted or postponed; timelines use pending.
func (s RunStatus) Queued() bool {
	switch s {
	case RunStatusPending, RunStatusNotStarted, RunStatusPostponed:
		return true
	default:
		return false
	}
}

// RunResult is the provider's outcome of a run or timeline record.
type RunResult string

const (
	RunResultNone      RunResult = ""
	RunResultSucceeded RunResult = "succeeded"
	RunResultFailed    RunResult = "failed"
	RunResultCanceled  RunResult = "canceled"
)

// Link is a HAL style link.
type Link struct {
	Href string `json:"href"`
}

// DefinitionRef is the definition summary embedded in a run.
type DefinitionRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Identity is a provider user reference.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

// RepositoryRef identifies the repository a run was built from.
type RepositoryRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Run is one execution of a pipeline definition as returned by the builds API.
type Run struct {
	ID            int           `json:"id"`
	BuildNumber   string        `json:"buildNumber"`
	Status        RunStatus     `json:"status"`
	Result        RunResult     `json:"result"`
	Definition    DefinitionRef `json:"definition"`
	SourceBranch  string        `json:"sourceBranch"`
	SourceVersion string        `json:"sourceVersion"`
	QueueTime     *time.Time    `json:"queueTime,omitempty"`
	StartTime     *time.Time    `json:"startTime,omitempty"`
	FinishTime    *time.Time    `json:"finishTime,omitempty"`
	RequestedFor  Identity      `json:"requestedFor"`
	Repository    RepositoryRef `json:"repository"`
	Links         struct {
		Timeline Link `json:"timeline"`
		Web      Link `json:"web"`
	} `json:"_links"`
}

// TimelineURL returns the link to the run's timeline records.
func (r Run) TimelineURL() string { return r.Links.Timeline.Href }

// WebURL returns the browser link of the run.
func (r Run) WebURL() string { return r.Links.Web.Href }

// RecordType is the level of a timeline record.
type RecordType string

const (
	RecordStage RecordType = "Stage"
	RecordPhase RecordType = "Phase"
	RecordJob   RecordType = "Job"
	RecordTask  RecordType = "Task"
)

// LogRef points at a record's log.
type LogRef struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// TimelineRecord is one node of a run's execution graph.
type TimelineRecord struct {
	ID         string     `json:"id"`
	ParentID   *string    `json:"parentId"`
	Type       RecordType `json:"type"`
	Name       string     `json:"name"`
	Result     RunResult  `json:"result"`
	State      RunStatus  `json:"state"`
	Order      int        `json:"order"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	FinishTime *time.Time `json:"finishTime,omitempty"`
	Log        *LogRef    `json:"log,omitempty"`
}

// Parent returns the parent id, or "" for root records.
func (r TimelineRecord) Parent() string {
	if r.ParentID == nil {
		return ""
	}
	return *r.ParentID
}

// LogURL returns the log link of the record, if any.
func (r TimelineRecord) LogURL() string {
	if r.Log == nil {
		return ""
	}
	return r.Log.URL
}

// ApprovalStatus is the state of an approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a manual checkpoint blocking a run.
type Approval struct {
	ID           string         `json:"id"`
	Status       ApprovalStatus `json:"status"`
	Instructions string         `json:"instructions"`
	CreatedOn    *time.Time     `json:"createdOn,omitempty"`
	Pipeline     struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Owner struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"owner"`
	} `json:"pipeline"`
}

// OwnerID returns the id of the run the approval belongs to.
func (a Approval) OwnerID() int { return a.Pipeline.Owner.ID }

// ApprovalUpdate is one element of the approvals PATCH body.
type ApprovalUpdate struct {
	ApprovalID string         `json:"approvalId"`
	Comment    string         `json:"comment"`
	Status     ApprovalStatus `json:"status"`
}

// PipelineDefinition is a reusable pipeline template.
type PipelineDefinition struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	Links struct {
		Web Link `json:"web"`
	} `json:"_links"`
}

// Folder returns the definition path as a "/" delimited folder name without
// leading or trailing separators. The provider uses "\" separators and "\" for the root.
func (d PipelineDefinition) Folder() string {
	return NormalizeFolder(d.Path)
}

// WebURL returns the browser link of the definition.
func (d PipelineDefinition) WebURL() string { return d.Links.Web.Href }

// NormalizeFolder converts a provider path into the "/" delimited form.
func NormalizeFolder(path string) string {
	path = strings.ReplaceAll(strings.TrimSpace(path), `\`, "/")
	return strings.Trim(path, "/")
}

// Uncategorized is the folder bucket of definitions at the root path.
const Uncategorized = "Uncategorized"

// FolderBucket returns the folder a definition path is grouped under. Root
// definitions share the Uncategorized bucket.
func FolderBucket(path string) string {
	if folder := NormalizeFolder(path); folder != "" {
		return folder
	}
	return Uncategorized
}

// Project is a provider project.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	State       string `json:"state"`
}

// PlanAttachments is the attachment listing used to detect a terraform plan.
type PlanAttachments struct {
	Count int `json:"count"`
	Value []struct {
		Name  string `json:"name"`
		Links struct {
			Self Link `json:"self"`
		} `json:"_links"`
	} `json:"value"`
}

// Available reports whether at least one plan attachment exists.
func (p PlanAttachments) Available() bool { return p.Count > 0 }

type listResponse[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

type timelineResponse struct {
	ID      string           `json:"id"`
	Records []TimelineRecord `json:"records"`
}

// RunKey formats a run id for use in node identifiers and URLs.
func RunKey(id int) string { return strconv.Itoa(id) }
