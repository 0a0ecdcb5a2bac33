package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/auth"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/gate"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/kpi"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/policy"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/store"
)

const maxBodyBytes = 1 << 20

type Server struct {
	service  *gate.Service
	verifier *auth.Verifier
	limiter  *RateLimiter
}

type Option func(*Server)

// WithVerifier requires bearer tokens on every /gate route.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

func New(service *gate.Service, opts ...Option) *Server {
	s := &Server{service: service}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/gate", func(r chi.Router) {
		if s.verifier != nil {
			r.Use(s.verifier.Middleware)
		}
		r.Post("/check", s.handleCheck)
		r.Post("/override", s.handleOverride)
		r.Get("/history", s.handleHistory)
		r.Get("/kpi", s.handleKPI)
		r.Get("/policy/{org}", s.handleGetPolicy)
		r.Put("/policy/{org}", s.handlePutPolicy)
		r.Get("/provider/status", s.handleProviderStatus)
	})
	return r
}

type checkRequest struct {
	OrgID                string   `json:"orgId"`
	Repo                 string   `json:"repo"`
	Branch               string   `json:"branch"`
	PRNumber             int      `json:"prNumber"`
	KgCO2e               *float64 `json:"kgCO2e"`
	GPUType              string   `json:"gpuType"`
	GridIntensityGPerKWh float64  `json:"gridIntensityGPerKWh"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondKind(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.KgCO2e == nil {
		respondKind(w, http.StatusBadRequest, "invalid_submission", "kgCO2e required")
		return
	}
	org, ok := scopedOrg(r, req.OrgID)
	if !ok {
		respondError(w, http.StatusForbidden, "token is not valid for org "+req.OrgID)
		return
	}
	decision, err := s.service.Submit(r.Context(), req.input(org))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

func (req checkRequest) input(org string) gate.SubmitInput {
	return gate.SubmitInput{
		OrgID:                org,
		Repo:                 req.Repo,
		Branch:               req.Branch,
		PRNumber:             req.PRNumber,
		KgCO2e:               *req.KgCO2e,
		GPUType:              req.GPUType,
		GridIntensityGPerKWh: req.GridIntensityGPerKWh,
	}
}

type overrideRequest struct {
	checkRequest
	Justification string `json:"justification"`
}

// handleOverride needs an authenticated caller holding auth.OverrideScope. The
// token subject is recorded as the approver.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "overrides require an authenticated caller")
		return
	}
	if !p.HasScope(auth.OverrideScope) {
		respondError(w, http.StatusForbidden, "missing scope "+auth.OverrideScope)
		return
	}
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondKind(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.KgCO2e == nil {
		respondKind(w, http.StatusBadRequest, "invalid_submission", "kgCO2e required")
		return
	}
	org, ok := scopedOrg(r, req.OrgID)
	if !ok {
		respondError(w, http.StatusForbidden, "token is not valid for org "+req.OrgID)
		return
	}
	decision, err := s.service.Override(r.Context(), gate.OverrideInput{
		SubmitInput:   req.input(org),
		By:            p.Subject,
		Justification: req.Justification,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// scopedOrg resolves the organisation a request acts for. A token bound to an
// org may only act for that org; an empty request org takes the token's.
func scopedOrg(r *http.Request, requested string) (string, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p.OrgID == "" {
		return requested, true
	}
	if requested == "" || requested == p.OrgID {
		return p.OrgID, true
	}
	return "", false
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondKind(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.service.History(r.Context(), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []models.GateEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleKPI(w http.ResponseWriter, r *http.Request) {
	start, err := parseTimeParam(r, "start")
	if err != nil {
		respondKind(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	end, err := parseTimeParam(r, "end")
	if err != nil {
		respondKind(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	summary, err := s.service.KPIs(r.Context(), start, end)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	if _, ok := scopedOrg(r, org); !ok {
		respondError(w, http.StatusForbidden, "token is not valid for org "+org)
		return
	}
	p, err := s.service.GetPolicy(r.Context(), org)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type policyRequest struct {
	BudgetKg   float64 `json:"budgetKg"`
	WarningPct float64 `json:"warningPct"`
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	if _, ok := scopedOrg(r, org); !ok {
		respondError(w, http.StatusForbidden, "token is not valid for org "+org)
		return
	}
	var req policyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondKind(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	saved, err := s.service.UpdatePolicy(r.Context(), models.BudgetPolicy{
		OrgID:      org,
		BudgetKg:   req.BudgetKg,
		WarningPct: req.WarningPct,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"reachable": s.service.ProviderStatus(r.Context())})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", name, err)
	}
	return t, nil
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gate.ErrInvalidSubmission):
		respondKind(w, http.StatusBadRequest, "invalid_submission", err.Error())
	case errors.Is(err, policy.ErrInvalidEstimate):
		respondKind(w, http.StatusBadRequest, "invalid_estimate", err.Error())
	case errors.Is(err, policy.ErrInvalidPolicy):
		respondKind(w, http.StatusBadRequest, "invalid_policy", err.Error())
	case errors.Is(err, kpi.ErrInvalidWindow):
		respondKind(w, http.StatusBadRequest, "invalid_window", err.Error())
	case errors.Is(err, store.ErrStoreWrite):
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error(), "retryable": true})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func respondKind(w http.ResponseWriter, status int, kind, msg string) {
	respondJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
