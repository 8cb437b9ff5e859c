package azdo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	defaultAPIVersion          = "7.0"
	defaultApprovalsAPIVersion = "7.1-preview.1"
	projectsAPIVersion         = "6.0"
	planAttachmentType         = "terraform-plan-results"
)

// APIConfig locates the provider organization.
type APIConfig struct {
	OrgURL              string
	APIVersion          string
	ApprovalsAPIVersion string
}

// API exposes the typed provider endpoints on top of a Client.
type API struct {
	client *Client
	cfg    APIConfig
}

// NewAPI binds client to the organization described by cfg.
func NewAPI(client *Client, cfg APIConfig) (*API, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	cfg.OrgURL = strings.TrimRight(strings.TrimSpace(cfg.OrgURL), "/")
	if cfg.OrgURL == "" {
		return nil, errors.New("organization url is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.ApprovalsAPIVersion == "" {
		cfg.ApprovalsAPIVersion = defaultApprovalsAPIVersion
	}
	return &API{client: client, cfg: cfg}, nil
}

// ListRuns returns the project's runs, newest queued first.
func (a *API) ListRuns(ctx context.Context, credential, project string) ([]Run, error) {
	endpoint := fmt.Sprintf("%s/_apis/build/builds?api-version=%s&queryOrder=queueTimeDescending",
		a.projectURL(project), url.QueryEscape(a.cfg.APIVersion))

	var resp listResponse[Run]
	if err := a.client.Get(ctx, credential, endpoint, &resp); err != nil {
		return nil, err
	}
	for i, run := range resp.Value {
		if run.ID == 0 {
			return nil, &DecodeError{URL: endpoint, Err: fmt.Errorf("run %d: missing id", i)}
		}
		if run.TimelineURL() == "" {
			return nil, &DecodeError{URL: endpoint, Err: fmt.Errorf("run %d: missing timeline link", run.ID)}
		}
	}
	return resp.Value, nil
}

// Timeline returns the flat record set behind timelineURL.
func (a *API) Timeline(ctx context.Context, credential, timelineURL string) ([]TimelineRecord, error) {
	if strings.TrimSpace(timelineURL) == "" {
		return nil, errors.New("timeline url is required")
	}
	var resp timelineResponse
	if err := a.client.Get(ctx, credential, timelineURL, &resp); err != nil {
		return nil, err
	}
	for i, rec := range resp.Records {
		if rec.ID == "" || rec.Type == "" {
			return nil, &DecodeError{URL: timelineURL, Err: fmt.Errorf("record %d: missing id or type", i)}
		}
	}
	return resp.Records, nil
}

// ListApprovals returns every approval of the project.
func (a *API) ListApprovals(ctx context.Context, credential, project string) ([]Approval, error) {
	var resp listResponse[Approval]
	endpoint := a.approvalsURL(project)
	if err := a.client.Get(ctx, credential, endpoint, &resp); err != nil {
		return nil, err
	}
	for i, approval := range resp.Value {
		if approval.ID == "" {
			return nil, &DecodeError{URL: endpoint, Err: fmt.Errorf("approval %d: missing id", i)}
		}
	}
	return resp.Value, nil
}

// UpdateApprovals applies status transitions and returns the updated approvals.
func (a *API) UpdateApprovals(ctx context.Context, credential, project string, updates []ApprovalUpdate) ([]Approval, error) {
	if len(updates) == 0 {
		return nil, errors.New("at least one approval update is required")
	}
	var resp listResponse[Approval]
	if err := a.client.Patch(ctx, credential, a.approvalsURL(project), updates, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// ListDefinitions returns the project's pipeline definitions.
func (a *API) ListDefinitions(ctx context.Context, credential, project string) ([]PipelineDefinition, error) {
	endpoint := fmt.Sprintf("%s/_apis/build/definitions?api-version=%s",
		a.projectURL(project), url.QueryEscape(a.cfg.APIVersion))

	var resp listResponse[PipelineDefinition]
	if err := a.client.Get(ctx, credential, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// PlanAttachments lists the terraform plan attachments of a run.
func (a *API) PlanAttachments(ctx context.Context, credential, project string, runID int) (PlanAttachments, error) {
	endpoint := fmt.Sprintf("%s/_apis/build/builds/%d/attachments/%s?api-version=%s",
		a.projectURL(project), runID, planAttachmentType, url.QueryEscape(a.cfg.APIVersion))

	var resp PlanAttachments
	if err := a.client.Get(ctx, credential, endpoint, &resp); err != nil {
		return PlanAttachments{}, err
	}
	return resp, nil
}

// LogLines returns the raw lines of a task log.
func (a *API) LogLines(ctx context.Context, credential, logURL string) ([]string, error) {
	if strings.TrimSpace(logURL) == "" {
		return nil, errors.New("log url is required")
	}
	var resp listResponse[string]
	if err := a.client.Get(ctx, credential, logURL, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// ListProjects returns the organization's projects.
func (a *API) ListProjects(ctx context.Context, credential string) ([]Project, error) {
	endpoint := fmt.Sprintf("%s/_apis/projects?api-version=%s", a.cfg.OrgURL, projectsAPIVersion)

	var resp listResponse[Project]
	if err := a.client.Get(ctx, credential, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (a *API) projectURL(project string) string {
	return a.cfg.OrgURL + "/" + url.PathEscape(project)
}

func (a *API) approvalsURL(project string) string {
	return fmt.Sprintf("%s/_apis/pipelines/approvals?api-version=%s",
		a.projectURL(project), url.QueryEscape(a.cfg.ApprovalsAPIVersion))
}
