package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreIsWeighted(t *testing.T) {
	all := AllChecks
	pass := func(k CheckKind) CheckResult { return CheckResult{Kind: k, Passed: true} }
	fail := func(k CheckKind) CheckResult { return CheckResult{Kind: k} }

	tests := []struct {
		name      string
		requested []CheckKind
		results   []CheckResult
		want      float64
	}{
		{"all pass", all, []CheckResult{pass(CheckSyntax), pass(CheckLint), pass(CheckType), pass(CheckUnit)}, 1},
		{"unit fails", all, []CheckResult{pass(CheckSyntax), pass(CheckLint), pass(CheckType), fail(CheckUnit)}, 0.5},
		{"only syntax passes", all, []CheckResult{pass(CheckSyntax), fail(CheckLint)}, 0.125},
		{"subset requested", []CheckKind{CheckSyntax, CheckType}, []CheckResult{pass(CheckSyntax), fail(CheckType)}, 1.0 / 3.0},
		{"nothing requested", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.requested, tt.results), 1e-9)
		})
	}
}

func TestParseChecks(t *testing.T) {
	got, err := ParseChecks([]string{"Unit", " syntax "})
	require.NoError(t, err)
	assert.Equal(t, []CheckKind{CheckUnit, CheckSyntax}, got)

	_, err = ParseChecks([]string{"fuzz"})
	assert.Error(t, err)
}

func TestNormalizeChecksOrdersAndDedupes(t *testing.T) {
	got := normalizeChecks([]CheckKind{CheckUnit, CheckSyntax, CheckUnit, "fuzz"}, AllChecks)
	assert.Equal(t, []CheckKind{CheckSyntax, CheckUnit, "fuzz"}, got)
	assert.Equal(t, AllChecks, normalizeChecks(nil, AllChecks))
}

func TestVerdictSummaryAndFailures(t *testing.T) {
	v := Verdict{
		Reason: ReasonChecksFailed,
		Score:  0.25,
		Checks: []CheckResult{
			{Kind: CheckSyntax, Passed: true},
			{Kind: CheckLint, Message: "unused variable"},
			{Kind: CheckType, Skipped: true},
		},
	}
	require.Len(t, v.Failures(), 1)
	assert.Equal(t, CheckLint, v.Failures()[0].Kind)
	assert.Equal(t, "failed: checks_failed, passed 1/3 checks (score 0.25)", v.Summary())
}
