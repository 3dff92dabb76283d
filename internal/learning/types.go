package learning

import (
	"errors"
	"time"

	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/sandbox"
)

var (
	// ErrIngest wraps every failure to persist outcomes. Callers treat it as
	// non-fatal.
	ErrIngest = errors.New("learning ingest failed")
	// ErrNotFound is returned when a model has no performance record.
	ErrNotFound = errors.New("not found")
)

// Outcome is one candidate and the verdict it received.
type Outcome struct {
	SessionID string
	Category  string
	Candidate issue.Candidate
	Verdict   sandbox.Verdict
	Applied   bool
}

// VerdictSummary is the part of a verdict kept with an example.
type VerdictSummary struct {
	Reason     string                `json:"reason,omitempty"`
	Summary    string                `json:"summary"`
	Checks     []sandbox.CheckResult `json:"checks,omitempty"`
	DurationMS int64                 `json:"duration_ms"`
}

// Example is a stored outcome.
type Example struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	IssueID   string         `json:"issue_id"`
	File      string         `json:"file,omitempty"`
	Language  string         `json:"language"`
	Category  string         `json:"category"`
	Original  string         `json:"original"`
	Modified  string         `json:"modified"`
	Verdict   VerdictSummary `json:"verdict"`
	Passed    bool           `json:"passed"`
	Score     float64        `json:"score"`
	Applied   bool           `json:"applied"`
	ModelID   string         `json:"model_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows Query and ExportTraining. Zero fields match everything.
type Filter struct {
	Language string
	Category string
	// Limit caps the number of examples returned; zero means no cap.
	Limit int
}

// ModelPerformance is the rolling quality record for one model.
type ModelPerformance struct {
	ModelID     string    `json:"model_id"`
	Accuracy    float64   `json:"accuracy"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
	F1          float64   `json:"f1"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Decayed confusion counts.
	TruePositive  float64 `json:"tp"`
	FalsePositive float64 `json:"fp"`
	FalseNegative float64 `json:"fn"`
	TrueNegative  float64 `json:"tn"`
}

// CategoryStats aggregates the examples of one category.
type CategoryStats struct {
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Applied     int     `json:"applied"`
	SuccessRate float64 `json:"success_rate"`
}

// Statistics summarises the corpus.
type Statistics struct {
	TotalExamples int                      `json:"total_examples"`
	Passed        int                      `json:"passed"`
	Applied       int                      `json:"applied"`
	SuccessRate   float64                  `json:"success_rate"`
	AverageScore  float64                  `json:"average_score"`
	ByCategory    map[string]CategoryStats `json:"by_category"`
	Models        []ModelPerformance       `json:"models"`
}
