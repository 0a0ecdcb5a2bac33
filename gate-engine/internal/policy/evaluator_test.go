package policy_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/policy"
)

func estimate(kg float64) models.CarbonEstimate {
	return models.CarbonEstimate{
		Repo:     "acme/trainer",
		Branch:   "feature/bigger-model",
		PRNumber: 42,
		KgCO2e:   kg,
		GPUType:  "H100",
	}
}

func TestEvaluateThresholds(t *testing.T) {
	p := models.BudgetPolicy{OrgID: "acme", BudgetKg: 100, WarningPct: 80}

	cases := []struct {
		name  string
		usage float64
		kg    float64
		want  models.GateStatus
	}{
		{"below warning", 0, 79, models.StatusPassed},
		{"at warning", 0, 80, models.StatusWarned},
		{"between warning and budget", 0, 99.99, models.StatusWarned},
		{"at budget", 0, 100, models.StatusRerouteRecommended},
		{"usage pushes over", 60, 45, models.StatusRerouteRecommended},
		{"usage pushes to warning", 70, 10, models.StatusWarned},
		{"zero job", 0, 0, models.StatusPassed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := policy.Evaluate(estimate(tc.kg), p, tc.usage)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Status)
			assert.Equal(t, tc.usage+tc.kg, d.ProjectedKg)
			assert.NotEmpty(t, d.Message)
		})
	}
}

func TestEvaluateOverageAndRemaining(t *testing.T) {
	p := models.BudgetPolicy{BudgetKg: 50, WarningPct: 80}

	d, err := policy.Evaluate(estimate(10), p, 45)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRerouteRecommended, d.Status)
	assert.InDelta(t, 5, d.OverageKg, 1e-9)
	assert.Zero(t, d.RemainingKg)

	d, err = policy.Evaluate(estimate(10), p, 20)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPassed, d.Status)
	assert.InDelta(t, 20, d.RemainingKg, 1e-9)
	assert.Zero(t, d.OverageKg)
	assert.Equal(t, p, d.Policy)
}

func TestEvaluateRejectsInvalidPolicy(t *testing.T) {
	bad := []models.BudgetPolicy{
		{BudgetKg: 0, WarningPct: 80},
		{BudgetKg: -1, WarningPct: 80},
		{BudgetKg: 100, WarningPct: 0},
		{BudgetKg: 100, WarningPct: 100},
		{BudgetKg: math.NaN(), WarningPct: 80},
		{BudgetKg: math.Inf(1), WarningPct: 80},
	}
	for _, p := range bad {
		_, err := policy.Evaluate(estimate(1), p, 0)
		assert.True(t, errors.Is(err, policy.ErrInvalidPolicy), "policy %+v: %v", p, err)
	}
}

func TestEvaluateRejectsInvalidEstimate(t *testing.T) {
	p := models.BudgetPolicy{BudgetKg: 100, WarningPct: 80}

	_, err := policy.Evaluate(estimate(-0.1), p, 0)
	assert.ErrorIs(t, err, policy.ErrInvalidEstimate)

	_, err = policy.Evaluate(estimate(math.NaN()), p, 0)
	assert.ErrorIs(t, err, policy.ErrInvalidEstimate)

	_, err = policy.Evaluate(estimate(1), p, -5)
	assert.ErrorIs(t, err, policy.ErrInvalidEstimate)
}

func TestEvaluateWarningBounds(t *testing.T) {
	for _, pct := range []float64{1, 99} {
		_, err := policy.Evaluate(estimate(1), models.BudgetPolicy{BudgetKg: 10, WarningPct: pct}, 0)
		assert.NoError(t, err)
	}
}

func TestCarbonDiff(t *testing.T) {
	assert.Equal(t, "baseline", policy.CarbonDiff(3, nil).Direction)

	zero := 0.0
	assert.Equal(t, "baseline", policy.CarbonDiff(3, &zero).Direction)

	prev := 2.0
	diff := policy.CarbonDiff(3, &prev)
	assert.Equal(t, "increase", diff.Direction)
	assert.InDelta(t, 1, diff.DeltaKg, 1e-9)
	assert.InDelta(t, 50, diff.DeltaPct, 1e-9)

	diff = policy.CarbonDiff(1, &prev)
	assert.Equal(t, "decrease", diff.Direction)
	assert.InDelta(t, -50, diff.DeltaPct, 1e-9)
}
