package models

import (
	"time"

	"github.com/google/uuid"
)

type GateStatus string

const (
	StatusPassed             GateStatus = "Passed"
	StatusWarned             GateStatus = "Warned"
	StatusRerouteRecommended GateStatus = "RerouteRecommended"
)

// Rank orders statuses from loosest to strictest.
func (s GateStatus) Rank() int {
	switch s {
	case StatusPassed:
		return 0
	case StatusWarned:
		return 1
	case StatusRerouteRecommended:
		return 2
	default:
		return -1
	}
}

// CarbonEstimate is one job's carbon estimate as produced by the upstream estimator.
type CarbonEstimate struct {
	OrgID                string  `json:"orgId,omitempty"`
	Repo                 string  `json:"repo"`
	Branch               string  `json:"branch"`
	PRNumber             int     `json:"prNumber"`
	KgCO2e               float64 `json:"kgCO2e"`
	GPUType              string  `json:"gpuType"`
	GridIntensityGPerKWh float64 `json:"gridIntensityGPerKWh,omitempty"`
}

type BudgetPolicy struct {
	OrgID      string    `json:"orgId"`
	BudgetKg   float64   `json:"budgetKg"`
	WarningPct float64   `json:"warningPct"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// WarningKg is the usage level at which decisions start to warn.
func (p BudgetPolicy) WarningKg() float64 {
	return p.BudgetKg * p.WarningPct / 100
}

type ModelDescriptor struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

type InfrastructureAvailability struct {
	Available        bool              `json:"available"`
	Models           []ModelDescriptor `json:"models"`
	RecommendedModel *string           `json:"recommendedModel"`
}

type CarbonDiff struct {
	DeltaKg   float64 `json:"deltaKg"`
	DeltaPct  float64 `json:"deltaPct"`
	Direction string  `json:"direction"`
}

type GateDecision struct {
	Status           GateStatus                  `json:"status"`
	Estimate         CarbonEstimate              `json:"estimate"`
	Policy           BudgetPolicy                `json:"policy"`
	PeriodUsageKg    float64                     `json:"periodUsageKg"`
	ProjectedKg      float64                     `json:"projectedKg"`
	RemainingKg      float64                     `json:"remainingKg"`
	OverageKg        float64                     `json:"overageKg"`
	Message          string                      `json:"message"`
	Availability     *InfrastructureAvailability `json:"availability,omitempty"`
	RecommendedModel *string                     `json:"recommendedModel"`
	FailOpen         bool                        `json:"failOpen,omitempty"`
	CarbonDiff       *CarbonDiff                 `json:"carbonDiff,omitempty"`
	Options          []ResolutionOption          `json:"resolutionOptions,omitempty"`
	OverriddenBy     string                      `json:"overriddenBy,omitempty"`
	Justification    string                      `json:"justification,omitempty"`
	EventID          uuid.UUID                   `json:"eventId,omitempty"`
	EmittedAt        time.Time                   `json:"emittedAt,omitempty"`
}

type ResolutionKind string

const (
	ResolveWait     ResolutionKind = "wait"
	ResolveReroute  ResolutionKind = "reroute"
	ResolveReduce   ResolutionKind = "reduce"
	ResolveOverride ResolutionKind = "override"
)

// ResolutionOption is one way for a job over its warning or budget line to proceed.
type ResolutionOption struct {
	ID          ResolutionKind `json:"id"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	SavingsKg   float64        `json:"savingsKg"`
}

// GateEvent is the persisted ledger row. Status is Passed or RerouteRecommended;
// a Warned decision is stored as Passed with Warned set.
type GateEvent struct {
	ID                   uuid.UUID  `json:"id"`
	OrgID                string     `json:"orgId"`
	PRNumber             int        `json:"prNumber"`
	Repo                 string     `json:"repo"`
	Branch               string     `json:"branch"`
	KgCO2e               float64    `json:"kgCO2e"`
	GPUType              string     `json:"gpuType"`
	Status               GateStatus `json:"status"`
	Warned               bool       `json:"warned"`
	RecommendedModel     *string    `json:"recommendedModel,omitempty"`
	GridIntensityGPerKWh float64    `json:"gridIntensityGPerKWh,omitempty"`
	EmittedAt            time.Time  `json:"emittedAt"`
	// OverriddenBy and Justification are set on events recorded through an
	// authorised override.
	OverriddenBy  string `json:"overriddenBy,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// LedgerStatus maps a decision status onto the two statuses the ledger records.
func LedgerStatus(s GateStatus) (GateStatus, bool) {
	if s == StatusWarned {
		return StatusPassed, true
	}
	return s, false
}

type KPISummary struct {
	PeriodStart            time.Time `json:"periodStart"`
	PeriodEnd              time.Time `json:"periodEnd"`
	PassedCount            int       `json:"passedCount"`
	WarnedCount            int       `json:"warnedCount"`
	RerouteCount           int       `json:"rerouteCount"`
	TotalKgCO2e            float64   `json:"totalKgCO2e"`
	EstimatedKgCO2eAvoided float64   `json:"estimatedKgCO2eAvoided"`
}
