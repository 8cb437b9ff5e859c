package approvals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pipescope/pkg/azdo"
)

// ErrDeclined is returned when the operator does not confirm an action.
var ErrDeclined = errors.New("approval action declined")

// ErrNotPending is returned when the approval has already been decided.
var ErrNotPending = errors.New("approval is not pending")

// ErrInvalidID is returned for approval ids that are not UUIDs.
var ErrInvalidID = errors.New("invalid approval id")

// GenericPrompt is shown when an approval carries no instructions.
const GenericPrompt = "Are you sure you want to continue?"

// API is the subset of the provider API used by the gateway.
type API interface {
	ListApprovals(ctx context.Context, credential, project string) ([]azdo.Approval, error)
	UpdateApprovals(ctx context.Context, credential, project string, updates []azdo.ApprovalUpdate) ([]azdo.Approval, error)
}

// CredentialSource yields the credential used for one call.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Confirmer asks the operator to confirm an action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }

// AlwaysConfirm is used where the request itself is the confirmation.
var AlwaysConfirm = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// Decision is one approve or reject the provider accepted.
type Decision struct {
	ApprovalID string              `db:"approval_id" json:"approval_id"`
	Project    string              `db:"project" json:"project"`
	RunID      int                 `db:"run_id" json:"run_id"`
	Status     azdo.ApprovalStatus `db:"status" json:"status"`
	Comment    string              `db:"comment" json:"comment"`
	DecidedAt  time.Time           `db:"decided_at" json:"decided_at"`
}

// Recorder keeps an audit trail of decisions.
type Recorder interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// Gateway lists pending approvals and applies decisions. It never touches tree
// state; callers trigger a run list refresh afterwards.
type Gateway struct {
	api       API
	creds     CredentialSource
	confirmer Confirmer
	recorder  Recorder
	logger    zerolog.Logger
	now       func() time.Time
}

// Options configures a Gateway.
type Options struct {
	Recorder Recorder
	Logger   *zerolog.Logger
}

// NewGateway creates a gateway bound to the provided dependencies.
func NewGateway(api API, creds CredentialSource, confirmer Confirmer, opts Options) (*Gateway, error) {
	if api == nil {
		return nil, errors.New("api is required")
	}
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	if confirmer == nil {
		return nil, errors.New("confirmer is required")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Gateway{
		api:       api,
		creds:     creds,
		confirmer: confirmer,
		recorder:  opts.Recorder,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// ListPending returns the pending approvals of runID in list order.
func (g *Gateway) ListPending(ctx context.Context, project string, runID int) ([]azdo.Approval, error) {
	credential, err := g.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}
	all, err := g.api.ListApprovals(ctx, credential, project)
	if err != nil {
		return nil, err
	}
	return Pending(all, runID), nil
}

// Approve confirms with the operator and approves approvalID.
func (g *Gateway) Approve(ctx context.Context, approvalID, project, comment string) (azdo.Approval, error) {
	return g.decide(ctx, approvalID, project, comment, azdo.ApprovalApproved)
}

// Reject confirms with the operator and rejects approvalID.
func (g *Gateway) Reject(ctx context.Context, approvalID, project, comment string) (azdo.Approval, error) {
	return g.decide(ctx, approvalID, project, comment, azdo.ApprovalRejected)
}

func (g *Gateway) decide(ctx context.Context, approvalID, project, comment string, next azdo.ApprovalStatus) (azdo.Approval, error) {
	if _, err := uuid.Parse(approvalID); err != nil {
		return azdo.Approval{}, fmt.Errorf("%w %q: %v", ErrInvalidID, approvalID, err)
	}
	if strings.TrimSpace(project) == "" {
		return azdo.Approval{}, errors.New("project is required")
	}

	credential, err := g.creds.Credential(ctx)
	if err != nil {
		return azdo.Approval{}, err
	}

	prompt := GenericPrompt
	var current *azdo.Approval
	if all, err := g.api.ListApprovals(ctx, credential, project); err != nil {
		g.logger.Warn().Err(err).Str("approval", approvalID).Msg("could not load approval instructions")
	} else {
		for i := range all {
			if strings.EqualFold(all[i].ID, approvalID) {
				current = &all[i]
				break
			}
		}
	}
	if current != nil {
		if current.Status != azdo.ApprovalPending {
			return *current, fmt.Errorf("%s: %w (status %s)", approvalID, ErrNotPending, current.Status)
		}
		if text := strings.TrimSpace(current.Instructions); text != "" {
			prompt = text
		}
	}

	ok, err := g.confirmer.Confirm(ctx, prompt)
	if err != nil {
		return azdo.Approval{}, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		return azdo.Approval{}, ErrDeclined
	}

	updated, err := g.api.UpdateApprovals(ctx, credential, project, []azdo.ApprovalUpdate{{
		ApprovalID: approvalID,
		Comment:    comment,
		Status:     next,
	}})
	if err != nil {
		return azdo.Approval{}, err
	}

	result := azdo.Approval{ID: approvalID, Status: next}
	if len(updated) > 0 {
		result = updated[0]
	} else if current != nil {
		result = *current
		result.Status = next
	}
	g.logger.Info().Str("approval", approvalID).Str("project", project).Str("status", string(next)).Msg("approval updated")

	if g.recorder != nil {
		decision := Decision{
			ApprovalID: approvalID,
			Project:    project,
			RunID:      result.OwnerID(),
			Status:     next,
			Comment:    comment,
			DecidedAt:  g.now().UTC(),
		}
		if err := g.recorder.RecordDecision(ctx, decision); err != nil {
			g.logger.Warn().Err(err).Str("approval", approvalID).Msg("record decision")
		}
	}
	return result, nil
}
