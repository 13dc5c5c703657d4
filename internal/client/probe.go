package client

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Probe checks whether the network path to the remote store is up
type Probe struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewProbe creates a new reachability probe against url
func NewProbe(url string, timeout time.Duration, logger *zap.Logger) *Probe {
	return &Probe{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Reachable issues a GET and reports whether any non-5xx response arrived
func (p *Probe) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("Failed to create probe request", zap.Error(err))
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("Remote store unreachable", zap.String("url", p.url), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// StaticProbe always reports the same reachability. Used with backends that need no network.
type StaticProbe bool

func (p StaticProbe) Reachable(context.Context) bool {
	return bool(p)
}
