package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

var (
	ErrInvalidPolicy   = errors.New("invalid policy")
	ErrInvalidEstimate = errors.New("invalid estimate")
)

const (
	MinWarningPct = 1
	MaxWarningPct = 99
)

// ValidatePolicy reports whether p can be used for evaluation.
func ValidatePolicy(p models.BudgetPolicy) error {
	if !finite(p.BudgetKg) || p.BudgetKg <= 0 {
		return fmt.Errorf("%w: budgetKg must be > 0, got %v", ErrInvalidPolicy, p.BudgetKg)
	}
	if !finite(p.WarningPct) || p.WarningPct < MinWarningPct || p.WarningPct > MaxWarningPct {
		return fmt.Errorf("%w: warningPct must be within [%d,%d], got %v", ErrInvalidPolicy, MinWarningPct, MaxWarningPct, p.WarningPct)
	}
	return nil
}

func validateInputs(est models.CarbonEstimate, periodUsageKg float64) error {
	if !finite(est.KgCO2e) || est.KgCO2e < 0 {
		return fmt.Errorf("%w: kgCO2e must be >= 0, got %v", ErrInvalidEstimate, est.KgCO2e)
	}
	if !finite(periodUsageKg) || periodUsageKg < 0 {
		return fmt.Errorf("%w: period usage must be >= 0, got %v", ErrInvalidEstimate, periodUsageKg)
	}
	return nil
}

// Evaluate decides whether a job fits in the remaining budget. Thresholds are
// inclusive: reaching the budget reroutes and reaching the warning level warns.
func Evaluate(est models.CarbonEstimate, p models.BudgetPolicy, periodUsageKg float64) (models.GateDecision, error) {
	if err := ValidatePolicy(p); err != nil {
		return models.GateDecision{}, err
	}
	if err := validateInputs(est, periodUsageKg); err != nil {
		return models.GateDecision{}, err
	}

	projected := periodUsageKg + est.KgCO2e
	decision := models.GateDecision{
		Estimate:      est,
		Policy:        p,
		PeriodUsageKg: periodUsageKg,
		ProjectedKg:   projected,
		RemainingKg:   math.Max(0, p.BudgetKg-projected),
		OverageKg:     math.Max(0, projected-p.BudgetKg),
	}

	switch {
	case projected >= p.BudgetKg:
		decision.Status = models.StatusRerouteRecommended
		decision.Message = fmt.Sprintf("Over budget by %.2f kg (projected %.2f kg of %.1f kg). Reroute to low-carbon capacity recommended.",
			decision.OverageKg, projected, p.BudgetKg)
	case projected >= p.WarningKg():
		decision.Status = models.StatusWarned
		decision.Message = fmt.Sprintf("Approaching budget: projected %.2f kg is %.0f%% of the %.1f kg budget. Consider rerouting or waiting for a cleaner grid window.",
			projected, projected/p.BudgetKg*100, p.BudgetKg)
	default:
		decision.Status = models.StatusPassed
		decision.Message = fmt.Sprintf("Under budget: %.1f kg remaining this period.", decision.RemainingKg)
	}
	return decision, nil
}

// CarbonDiff compares this estimate with the previous gate check for the same repo.
func CarbonDiff(currentKg float64, previousKg *float64) models.CarbonDiff {
	if previousKg == nil || *previousKg == 0 {
		return models.CarbonDiff{Direction: "baseline"}
	}
	delta := currentKg - *previousKg
	direction := "decrease"
	if delta > 0 {
		direction = "increase"
	}
	return models.CarbonDiff{
		DeltaKg:   round(delta, 4),
		DeltaPct:  round(delta / *previousKg * 100, 2),
		Direction: direction,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
