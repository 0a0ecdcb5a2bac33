package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/broker"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/kpi"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/policy"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/store"
)

var ErrInvalidSubmission = errors.New("invalid submission")

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 500
)

type Broker interface {
	FindReroutingTarget(ctx context.Context, gpuType string) broker.Lookup
	IsProviderReachable(ctx context.Context) bool
}

type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d models.GateDecision)
}

type Config struct {
	Period        policy.Period
	DefaultPolicy models.BudgetPolicy
	KPI           kpi.Config
	Now           func() time.Time
}

type Service struct {
	store   store.Store
	broker  Broker
	kpi     *kpi.Aggregator
	metrics DecisionRecorder
	cfg     Config
}

func New(st store.Store, b Broker, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:  st,
		broker: b,
		kpi:    kpi.New(st, cfg.KPI),
		cfg:    cfg,
	}
}

func (s *Service) WithMetrics(m DecisionRecorder) *Service {
	s.metrics = m
	return s
}

type SubmitInput struct {
	OrgID                string
	Repo                 string
	Branch               string
	PRNumber             int
	KgCO2e               float64
	GPUType              string
	GridIntensityGPerKWh float64
}

func (in SubmitInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.Repo) == "" {
		missing = append(missing, "repo")
	}
	if strings.TrimSpace(in.GPUType) == "" {
		missing = append(missing, "gpuType")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidSubmission, strings.Join(missing, ", "))
	}
	if in.PRNumber < 0 {
		return fmt.Errorf("%w: prNumber must be >= 0", ErrInvalidSubmission)
	}
	if in.GridIntensityGPerKWh < 0 {
		return fmt.Errorf("%w: gridIntensityGPerKWh must be >= 0", ErrInvalidSubmission)
	}
	return nil
}

// Submit evaluates one job against its organisation's budget and records the
// outcome. The usage read, the evaluation and the append happen under the
// organisation's policy lock.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (models.GateDecision, error) {
	if err := in.validate(); err != nil {
		return models.GateDecision{}, err
	}
	decision, err := s.record(ctx, in.estimate(s.orgOrDefault(in.OrgID)), nil)
	if err != nil {
		return models.GateDecision{}, err
	}
	log.Info().
		Str("org", decision.Estimate.OrgID).
		Str("repo", decision.Estimate.Repo).
		Int("pr", decision.Estimate.PRNumber).
		Str("status", string(decision.Status)).
		Float64("kg", decision.Estimate.KgCO2e).
		Float64("projected_kg", decision.ProjectedKg).
		Bool("fail_open", decision.FailOpen).
		Msg("gate decision")
	return decision, nil
}

// MinJustificationLen is the shortest justification an override accepts.
const MinJustificationLen = 10

type OverrideInput struct {
	SubmitInput
	By            string
	Justification string
}

func (in OverrideInput) validate() error {
	if err := in.SubmitInput.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(in.By) == "" {
		return fmt.Errorf("%w: override requires an approver", ErrInvalidSubmission)
	}
	if len(strings.TrimSpace(in.Justification)) < MinJustificationLen {
		return fmt.Errorf("%w: justification must be at least %d characters", ErrInvalidSubmission, MinJustificationLen)
	}
	return nil
}

// Override records a job as Passed whatever the budget says. The event carries
// the approver and the justification; its kgCO2e still counts toward usage.
func (s *Service) Override(ctx context.Context, in OverrideInput) (models.GateDecision, error) {
	if err := in.validate(); err != nil {
		return models.GateDecision{}, err
	}
	ov := &override{by: strings.TrimSpace(in.By), justification: strings.TrimSpace(in.Justification)}
	decision, err := s.record(ctx, in.estimate(s.orgOrDefault(in.OrgID)), ov)
	if err != nil {
		return models.GateDecision{}, err
	}
	log.Warn().
		Str("org", decision.Estimate.OrgID).
		Str("repo", decision.Estimate.Repo).
		Int("pr", decision.Estimate.PRNumber).
		Str("overridden_by", ov.by).
		Float64("kg", decision.Estimate.KgCO2e).
		Float64("overage_kg", decision.OverageKg).
		Msg("gate override")
	return decision, nil
}

func (in SubmitInput) estimate(org string) models.CarbonEstimate {
	return models.CarbonEstimate{
		OrgID:                org,
		Repo:                 strings.TrimSpace(in.Repo),
		Branch:               in.Branch,
		PRNumber:             in.PRNumber,
		KgCO2e:               in.KgCO2e,
		GPUType:              strings.TrimSpace(in.GPUType),
		GridIntensityGPerKWh: in.GridIntensityGPerKWh,
	}
}

type override struct {
	by            string
	justification string
}

// record runs the locked read-evaluate-append sequence. A non-nil ov forces the
// recorded outcome to Passed.
func (s *Service) record(ctx context.Context, est models.CarbonEstimate, ov *override) (models.GateDecision, error) {
	pol, err := s.GetPolicy(ctx, est.OrgID)
	if err != nil {
		return models.GateDecision{}, err
	}

	var (
		decision   models.GateDecision
		previousKg *float64
		periodEnd  time.Time
	)
	err = s.store.WithPolicyLock(ctx, est.OrgID, func(ctx context.Context, l store.Ledger) error {
		// The window is taken after the lock is held so that events appended
		// by whoever held it before are inside it.
		now := s.cfg.Now()
		start, end := s.cfg.Period.UsageWindow(now)
		_, periodEnd = s.cfg.Period.Window(now)
		usage, err := l.UsageKg(ctx, est.OrgID, start, end)
		if err != nil {
			return fmt.Errorf("read period usage: %w", err)
		}
		decision, err = policy.Evaluate(est, pol, usage)
		if err != nil {
			return err
		}
		switch {
		case ov != nil:
			decision.Status = models.StatusPassed
			decision.OverriddenBy = ov.by
			decision.Justification = ov.justification
			decision.Message = fmt.Sprintf("Override approved by %s: %s", ov.by, decision.Message)
		case decision.Status == models.StatusRerouteRecommended:
			s.attachReroute(ctx, &decision)
		}

		prev, err := l.LatestForRepo(ctx, est.OrgID, est.Repo)
		switch {
		case err == nil:
			kg := prev.KgCO2e
			previousKg = &kg
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("read previous event: %w", err)
		}

		ledgerStatus, warned := models.LedgerStatus(decision.Status)
		ev := models.GateEvent{
			OrgID:                est.OrgID,
			PRNumber:             est.PRNumber,
			Repo:                 est.Repo,
			Branch:               est.Branch,
			KgCO2e:               est.KgCO2e,
			GPUType:              est.GPUType,
			Status:               ledgerStatus,
			Warned:               warned,
			RecommendedModel:     decision.RecommendedModel,
			GridIntensityGPerKWh: est.GridIntensityGPerKWh,
			OverriddenBy:         decision.OverriddenBy,
			Justification:        decision.Justification,
		}
		if err := l.Append(ctx, &ev); err != nil {
			return err
		}
		decision.EventID = ev.ID
		decision.EmittedAt = ev.EmittedAt
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("repo", est.Repo).Int("pr", est.PRNumber).Msg("gate check failed")
		return models.GateDecision{}, err
	}

	diff := policy.CarbonDiff(est.KgCO2e, previousKg)
	decision.CarbonDiff = &diff
	decision.Options = s.resolutionOptions(decision, periodEnd)
	if s.metrics != nil {
		s.metrics.RecordDecision(ctx, decision)
	}
	return decision, nil
}

func (s *Service) attachReroute(ctx context.Context, d *models.GateDecision) {
	lookup := s.broker.FindReroutingTarget(ctx, d.Estimate.GPUType)
	avail := lookup.Availability
	d.Availability = &avail
	d.RecommendedModel = avail.RecommendedModel
	d.FailOpen = lookup.FailOpen
	switch {
	case avail.RecommendedModel == nil:
		d.Message += " No low-carbon capacity is currently available."
	case lookup.FailOpen:
		d.Message += fmt.Sprintf(" Provider unreachable; suggested model %s.", *avail.RecommendedModel)
	default:
		d.Message += fmt.Sprintf(" Recommended model: %s.", *avail.RecommendedModel)
	}
}

// resolutionOptions lists ways forward for Warned and RerouteRecommended
// decisions, largest saving first. Passed decisions get none.
func (s *Service) resolutionOptions(d models.GateDecision, periodEnd time.Time) []models.ResolutionOption {
	if d.Status == models.StatusPassed {
		return nil
	}
	est := d.Estimate
	var opts []models.ResolutionOption

	if d.RecommendedModel != nil {
		saving := s.kpi.Avoided(models.GateEvent{KgCO2e: est.KgCO2e, GridIntensityGPerKWh: est.GridIntensityGPerKWh})
		opts = append(opts, models.ResolutionOption{
			ID:          models.ResolveReroute,
			Label:       "Reroute to " + *d.RecommendedModel,
			Description: "Run on the low-carbon provider instead of " + est.GPUType,
			SavingsKg:   round2(saving),
		})
	}

	limit := d.Policy.BudgetKg
	if d.Status == models.StatusWarned {
		limit = d.Policy.WarningKg()
	}
	if fit := limit - d.PeriodUsageKg; fit > 0 && fit < est.KgCO2e {
		opts = append(opts, models.ResolutionOption{
			ID:          models.ResolveReduce,
			Label:       fmt.Sprintf("Reduce the job below %.2f kg", fit),
			Description: "Fewer epochs or a smaller model keep the job inside the remaining budget",
			SavingsKg:   round2(est.KgCO2e - fit),
		})
	}

	if s.cfg.Period.Kind != policy.PeriodRolling && !periodEnd.IsZero() {
		opts = append(opts, models.ResolutionOption{
			ID:          models.ResolveWait,
			Label:       "Wait for the budget reset",
			Description: "The budget resets at " + periodEnd.Format(time.RFC3339),
		})
	}

	if d.Status == models.StatusRerouteRecommended {
		opts = append(opts, models.ResolutionOption{
			ID:          models.ResolveOverride,
			Label:       "Override (justify)",
			Description: fmt.Sprintf("An approver with the override scope records the job with a justification of at least %d characters", MinJustificationLen),
		})
	}

	sort.SliceStable(opts, func(i, j int) bool { return opts[i].SavingsKg > opts[j].SavingsKg })
	return opts
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Service) orgOrDefault(org string) string {
	if org = strings.TrimSpace(org); org != "" {
		return org
	}
	return s.cfg.DefaultPolicy.OrgID
}

// GetPolicy returns the stored policy for orgID or the configured default.
func (s *Service) GetPolicy(ctx context.Context, orgID string) (models.BudgetPolicy, error) {
	orgID = s.orgOrDefault(orgID)
	p, err := s.store.GetPolicy(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		def := s.cfg.DefaultPolicy
		def.OrgID = orgID
		return def, nil
	}
	if err != nil {
		return models.BudgetPolicy{}, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

func (s *Service) UpdatePolicy(ctx context.Context, p models.BudgetPolicy) (models.BudgetPolicy, error) {
	p.OrgID = s.orgOrDefault(p.OrgID)
	if err := policy.ValidatePolicy(p); err != nil {
		return models.BudgetPolicy{}, err
	}
	saved, err := s.store.PutPolicy(ctx, p)
	if err != nil {
		return models.BudgetPolicy{}, err
	}
	log.Info().Str("org", saved.OrgID).Float64("budget_kg", saved.BudgetKg).Float64("warning_pct", saved.WarningPct).Msg("budget policy updated")
	return saved, nil
}

// SeedPolicies stores policies for organisations that have none yet.
func (s *Service) SeedPolicies(ctx context.Context, policies []models.BudgetPolicy) error {
	for _, p := range policies {
		if _, err := s.store.GetPolicy(ctx, p.OrgID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed policy %s: %w", p.OrgID, err)
		}
		if _, err := s.UpdatePolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.OrgID, err)
		}
	}
	return nil
}

// History returns recent events, newest first. limit <= 0 means the default.
func (s *Service) History(ctx context.Context, limit int) ([]models.GateEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.store.ListRecent(ctx, limit)
}

// KPIs summarises [start, end). Zero bounds default to the active period.
func (s *Service) KPIs(ctx context.Context, start, end time.Time) (models.KPISummary, error) {
	if start.IsZero() || end.IsZero() {
		ps, pe := s.cfg.Period.Window(s.cfg.Now())
		if start.IsZero() {
			start = ps
		}
		if end.IsZero() {
			end = pe
		}
	}
	return s.kpi.Summarize(ctx, start, end)
}

func (s *Service) ProviderStatus(ctx context.Context) bool {
	return s.broker.IsProviderReachable(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
