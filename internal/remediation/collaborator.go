package remediation

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/sandbox"
)

//go:generate mockgen -destination=mocks/collaborator.go -package=mocks github.com/mattjoyce/mender/internal/remediation Scanner,FixGenerator,Validator

// Scanner finds issues in a workspace. A nil filter means everything.
type Scanner interface {
	Scan(ctx context.Context, workspace string, filter *issue.Filter) ([]issue.Issue, error)
}

// FixGenerator proposes a candidate fix for one issue.
type FixGenerator interface {
	Propose(ctx context.Context, req ProposalRequest) (issue.Candidate, error)
}

// Validator judges a candidate. *sandbox.Runner implements it.
type Validator interface {
	Run(ctx context.Context, req sandbox.Request) (sandbox.Verdict, error)
	Concurrency() int
}

// ProposalRequest asks a FixGenerator for a candidate. Previous is set on a
// retry and carries the verdict that rejected the first attempt.
type ProposalRequest struct {
	SessionID string
	Workspace string
	Issue     issue.Issue
	Attempt   int
	Previous  *sandbox.Verdict
}

// CollaboratorError is returned by Scanner and FixGenerator implementations
// when the collaborator itself failed rather than the work it was given.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Retryable    bool
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a CollaboratorError that may succeed on
// a second attempt. Errors of any other type are treated as retryable.
func IsRetryable(err error) bool {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return true
}
