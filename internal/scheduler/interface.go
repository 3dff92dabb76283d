package scheduler

import (
	"context"

	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/remediation"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/mender/internal/scheduler Runner

// Runner starts remediation sessions. *remediation.Engine implements it.
type Runner interface {
	StartAutomatedFix(ctx context.Context, ws string, filter *issue.Filter) (remediation.Session, error)
	Status() remediation.Session
}
