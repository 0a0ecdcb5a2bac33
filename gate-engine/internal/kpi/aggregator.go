package kpi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

const (
	DefaultLowCarbonIntensity = 50.0
	DefaultGridIntensity      = 420.0
)

var ErrInvalidWindow = errors.New("invalid kpi window")

type EventLister interface {
	ListBetween(ctx context.Context, start, end time.Time) ([]models.GateEvent, error)
}

type Config struct {
	// LowCarbonIntensity is the provider's grid intensity in gCO2/kWh.
	LowCarbonIntensity float64
	// GridIntensity applies to events that did not record their own.
	GridIntensity float64
}

type Aggregator struct {
	events    EventLister
	lowCarbon float64
	grid      float64
}

func New(events EventLister, cfg Config) *Aggregator {
	if cfg.LowCarbonIntensity <= 0 {
		cfg.LowCarbonIntensity = DefaultLowCarbonIntensity
	}
	if cfg.GridIntensity <= 0 {
		cfg.GridIntensity = DefaultGridIntensity
	}
	return &Aggregator{events: events, lowCarbon: cfg.LowCarbonIntensity, grid: cfg.GridIntensity}
}

// Summarize rolls up events emitted in [start, end).
func (a *Aggregator) Summarize(ctx context.Context, start, end time.Time) (models.KPISummary, error) {
	if !start.Before(end) {
		return models.KPISummary{}, fmt.Errorf("%w: start %s must be before end %s", ErrInvalidWindow, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	events, err := a.events.ListBetween(ctx, start, end)
	if err != nil {
		return models.KPISummary{}, fmt.Errorf("kpi list events: %w", err)
	}
	summary := models.KPISummary{PeriodStart: start.UTC(), PeriodEnd: end.UTC()}
	for _, ev := range events {
		summary.TotalKgCO2e += ev.KgCO2e
		switch ev.Status {
		case models.StatusRerouteRecommended:
			summary.RerouteCount++
			summary.EstimatedKgCO2eAvoided += a.Avoided(ev)
		case models.StatusPassed:
			summary.PassedCount++
			if ev.Warned {
				summary.WarnedCount++
			}
		}
	}
	return summary, nil
}

// Avoided estimates the kg saved by running ev on the low-carbon provider.
func (a *Aggregator) Avoided(ev models.GateEvent) float64 {
	grid := ev.GridIntensityGPerKWh
	if grid <= 0 {
		grid = a.grid
	}
	return math.Max(0, ev.KgCO2e-ev.KgCO2e*a.lowCarbon/grid)
}
