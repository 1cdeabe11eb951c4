package catalog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// RESTConfig configures the remote catalog backend.
type RESTConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retries applies to idempotent catalog reads only.
	Retries int
}

type restProvider struct {
	client *resty.Client
}

type apiError struct {
	Message string `json:"message"`
}

// NewRESTProvider talks to the catalog service over HTTP:
// GET /components/{id} and GET /analyses/{id}.
func NewRESTProvider(cfg RESTConfig) Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &restProvider{client: client}
}

func (p *restProvider) get(ctx context.Context, path string, id int64, out interface{}) error {
	var apiErr apiError
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", fmt.Sprintf("%d", id)).
		SetResult(out).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		return fmt.Errorf("catalog GET %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return ErrNotFound
	case resp.IsError():
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("catalog GET %s: status %d: %s", path, resp.StatusCode(), msg)
	}
	return nil
}

func (p *restProvider) ComponentDefinition(ctx context.Context, componentID int64) (*ComponentDefinition, error) {
	var def ComponentDefinition
	if err := p.get(ctx, "/components/{id}", componentID, &def); err != nil {
		return nil, fmt.Errorf("component %d: %w", componentID, err)
	}
	return &def, nil
}

func (p *restProvider) AnalysisDefinition(ctx context.Context, analysisID int64) (*AnalysisDefinition, error) {
	var def AnalysisDefinition
	if err := p.get(ctx, "/analyses/{id}", analysisID, &def); err != nil {
		return nil, fmt.Errorf("analysis %d: %w", analysisID, err)
	}
	return &def, nil
}

func (p *restProvider) Ping(ctx context.Context) error {
	resp, err := p.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("catalog health: status %d", resp.StatusCode())
	}
	return nil
}
