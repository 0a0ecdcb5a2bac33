package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

var ErrProviderUnavailable = errors.New("low-carbon provider unavailable")

type CatalogSource interface {
	FetchModels(ctx context.Context) ([]models.ModelDescriptor, error)
}

type HTTPCatalogConfig struct {
	BaseURL    string
	Path       string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPCatalogClient queries the provider's model catalog. It makes exactly one
// attempt per call.
type HTTPCatalogClient struct {
	baseURL string
	path    string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPCatalogClient(cfg HTTPCatalogConfig) (*HTTPCatalogClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/models"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCatalogClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		client:  client,
	}, nil
}

type catalogEntry struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
	Owner   string `json:"owner"`
}

type catalogResponse struct {
	Data []catalogEntry `json:"data"`
}

func (c *HTTPCatalogClient) FetchModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+c.path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: catalog returned %s", ErrProviderUnavailable, resp.Status)
	}
	var parsed catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", ErrProviderUnavailable, err)
	}
	out := make([]models.ModelDescriptor, 0, len(parsed.Data))
	for _, e := range parsed.Data {
		if e.ID == "" {
			continue
		}
		owner := e.OwnedBy
		if owner == "" {
			owner = e.Owner
		}
		out = append(out, models.ModelDescriptor{ID: e.ID, Owner: owner})
	}
	return out, nil
}
