package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

const DefaultFallbackModel = "meta/llama-3.3-70b-instruct"

// DefaultCacheTimeout bounds each catalog cache read and write.
const DefaultCacheTimeout = 250 * time.Millisecond

// Lookup is the broker's answer for one GPU class. When FailOpen is set the
// provider could not be queried, Cause holds the reason, and Availability is the
// optimistic fallback: available, empty catalog, default model.
type Lookup struct {
	Availability models.InfrastructureAvailability
	FailOpen     bool
	Cached       bool
	Cause        error
}

type Recorder interface {
	RecordBrokerQuery(ctx context.Context, elapsed time.Duration, failOpen bool)
}

type Config struct {
	Preferences   *PreferenceTable
	FallbackModel string
	CatalogTTL    time.Duration
	CacheTimeout  time.Duration
}

type Broker struct {
	source        CatalogSource
	cache         CatalogCache
	prefs         *PreferenceTable
	fallbackModel string
	ttl           time.Duration
	cacheTimeout  time.Duration
	recorder      Recorder
}

func New(source CatalogSource, cache CatalogCache, cfg Config) (*Broker, error) {
	if source == nil {
		return nil, fmt.Errorf("broker: catalog source required")
	}
	prefs := cfg.Preferences
	if prefs == nil {
		var err error
		prefs, err = NewPreferenceTable(DefaultPreferences(), DefaultGPUClass)
		if err != nil {
			return nil, err
		}
	}
	fallback := strings.TrimSpace(cfg.FallbackModel)
	if fallback == "" {
		fallback = DefaultFallbackModel
	}
	ttl := cfg.CatalogTTL
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	cacheTimeout := cfg.CacheTimeout
	if cacheTimeout <= 0 {
		cacheTimeout = DefaultCacheTimeout
	}
	return &Broker{
		source:        source,
		cache:         cache,
		prefs:         prefs,
		fallbackModel: fallback,
		ttl:           ttl,
		cacheTimeout:  cacheTimeout,
	}, nil
}

// WithRecorder attaches query metrics.
func (b *Broker) WithRecorder(r Recorder) *Broker {
	b.recorder = r
	return b
}

func (b *Broker) FallbackModel() string {
	return b.fallbackModel
}

// FindReroutingTarget never fails: provider errors turn into the fail-open Lookup.
func (b *Broker) FindReroutingTarget(ctx context.Context, gpuType string) Lookup {
	catalog, cached, err := b.catalog(ctx)
	if err != nil {
		log.Warn().Err(err).Str("gpu", gpuType).Str("fallback_model", b.fallbackModel).
			Msg("low-carbon provider query failed; failing open")
		return b.failOpen(err)
	}
	avail := Rank(catalog, b.prefs.For(gpuType))
	return Lookup{Availability: avail, Cached: cached}
}

// IsProviderReachable reports only the availability flag for the default class.
func (b *Broker) IsProviderReachable(ctx context.Context) bool {
	return b.FindReroutingTarget(ctx, b.prefs.DefaultClass()).Availability.Available
}

func (b *Broker) catalog(ctx context.Context) ([]models.ModelDescriptor, bool, error) {
	if b.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, b.cacheTimeout)
		catalog, ok, err := b.cache.Get(cctx)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("catalog cache read failed")
		} else if ok {
			return catalog, true, nil
		}
	}

	start := time.Now()
	catalog, err := b.source.FetchModels(ctx)
	if b.recorder != nil {
		b.recorder.RecordBrokerQuery(ctx, time.Since(start), err != nil)
	}
	if err != nil {
		return nil, false, err
	}
	if b.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, b.cacheTimeout)
		if err := b.cache.Set(cctx, catalog, b.ttl); err != nil {
			log.Debug().Err(err).Msg("catalog cache write failed")
		}
		cancel()
	}
	return catalog, false, nil
}

func (b *Broker) failOpen(cause error) Lookup {
	model := b.fallbackModel
	return Lookup{
		Availability: models.InfrastructureAvailability{
			Available:        true,
			Models:           []models.ModelDescriptor{},
			RecommendedModel: &model,
		},
		FailOpen: true,
		Cause:    cause,
	}
}

// Rank picks the recommended model: the first catalog entry matching the most
// preferred substring, else the first entry. An empty catalog is unavailable.
func Rank(catalog []models.ModelDescriptor, prefs []string) models.InfrastructureAvailability {
	ordered := append([]models.ModelDescriptor{}, catalog...)
	if len(ordered) == 0 {
		return models.InfrastructureAvailability{Available: false, Models: ordered}
	}
	chosen := ordered[0].ID
	found := false
	for _, pref := range prefs {
		needle := strings.ToLower(pref)
		for _, m := range ordered {
			if strings.Contains(strings.ToLower(m.ID), needle) {
				chosen = m.ID
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	return models.InfrastructureAvailability{
		Available:        true,
		Models:           ordered,
		RecommendedModel: &chosen,
	}
}
