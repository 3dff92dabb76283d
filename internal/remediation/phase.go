package remediation

import (
	"fmt"
	"slices"
)

// Phase is the state of a remediation session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLocking
	PhaseScanning
	PhaseFixing
	PhaseTesting
	PhaseLearning
	PhaseUnlocking
	PhaseCompleted
	PhaseFailing
	PhaseRollingBack
	PhaseCancelling
)

var phaseNames = [...]string{
	PhaseIdle:        "idle",
	PhaseLocking:     "locking",
	PhaseScanning:    "scanning",
	PhaseFixing:      "fixing",
	PhaseTesting:     "testing",
	PhaseLearning:    "learning",
	PhaseUnlocking:   "unlocking",
	PhaseCompleted:   "completed",
	PhaseFailing:     "failing",
	PhaseRollingBack: "rolling_back",
	PhaseCancelling:  "cancelling",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	i := slices.Index(phaseNames[:], string(b))
	if i < 0 {
		return fmt.Errorf("unknown phase %q", b)
	}
	*p = Phase(i)
	return nil
}

// Active reports whether a session in phase p still holds the workspace.
func (p Phase) Active() bool {
	return p != PhaseIdle && p != PhaseCompleted
}

// allowed is the complete transition table. Anything not listed is a bug.
var allowed = map[Phase][]Phase{
	PhaseIdle:        {PhaseLocking},
	PhaseLocking:     {PhaseScanning, PhaseFailing, PhaseCancelling},
	PhaseScanning:    {PhaseFixing, PhaseLearning, PhaseFailing, PhaseCancelling},
	PhaseFixing:      {PhaseTesting, PhaseLearning, PhaseFailing, PhaseCancelling},
	PhaseTesting:     {PhaseFixing, PhaseFailing, PhaseCancelling},
	PhaseLearning:    {PhaseUnlocking, PhaseFailing, PhaseCancelling},
	PhaseUnlocking:   {PhaseCompleted},
	PhaseFailing:     {PhaseRollingBack, PhaseUnlocking},
	PhaseRollingBack: {PhaseUnlocking},
	PhaseCancelling:  {PhaseRollingBack, PhaseUnlocking},
	PhaseCompleted:   nil,
}

func canTransition(from, to Phase) bool {
	return slices.Contains(allowed[from], to)
}

// Mode selects what a session does.
type Mode string

const (
	ModeFullAutomation Mode = "full_automation"
	ModeTargeted       Mode = "targeted"
	ModeScanOnly       Mode = "scan_only"
)

// ParseMode accepts the three mode names plus the short forms used by the
// HTTP API.
func ParseMode(s string) (Mode, error) {
	switch s {
	case string(ModeFullAutomation), "full", "auto", "":
		return ModeFullAutomation, nil
	case string(ModeTargeted), "target":
		return ModeTargeted, nil
	case string(ModeScanOnly), "scan":
		return ModeScanOnly, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}
