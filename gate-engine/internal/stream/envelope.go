package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

// EventType tags every streamed envelope.
const EventType = "carbon_gate.decision"

type envelope struct {
	ID                   string  `json:"id"`
	EventType            string  `json:"eventType"`
	OrgID                string  `json:"orgId"`
	Repo                 string  `json:"repo"`
	Branch               string  `json:"branch"`
	PRNumber             int     `json:"prNumber"`
	KgCO2e               float64 `json:"kgCO2e"`
	GPUType              string  `json:"gpuType"`
	Status               string  `json:"status"`
	Warned               bool    `json:"warned"`
	RecommendedModel     *string `json:"recommendedModel"`
	GridIntensityGPerKWh float64 `json:"gridIntensityGPerKWh"`
	EmittedAt            string  `json:"emittedAt"`
}

// Canonical returns the RFC 8785 form of ev's stream envelope and its sha256.
func Canonical(ev models.GateEvent) ([]byte, string, error) {
	raw, err := json.Marshal(envelope{
		ID:                   ev.ID.String(),
		EventType:            EventType,
		OrgID:                ev.OrgID,
		Repo:                 ev.Repo,
		Branch:               ev.Branch,
		PRNumber:             ev.PRNumber,
		KgCO2e:               ev.KgCO2e,
		GPUType:              ev.GPUType,
		Status:               string(ev.Status),
		Warned:               ev.Warned,
		RecommendedModel:     ev.RecommendedModel,
		GridIntensityGPerKWh: ev.GridIntensityGPerKWh,
		EmittedAt:            ev.EmittedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal envelope: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	sum := sha256.Sum256(canon)
	return canon, hex.EncodeToString(sum[:]), nil
}
