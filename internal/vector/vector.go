// Package vector talks to the external vectorization service. The subsystem
// only needs two read-side calls: the indexed-record count for coverage
// snapshots and the orphan sweep after a reindex pass. Embedding generation
// itself is driven by best-effort bus events the service consumes elsewhere.
package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/types"
)

// ErrDisabled marks the no-op service. Consumers skip vector accounting when
// they see it instead of recording zeros.
var ErrDisabled = errors.New("vector service disabled")

// Service is the collaborator interface consumed by the coverage accountant
// and the reindexer.
type Service interface {
	CountIndexed(ctx context.Context, entity types.EntityType, tenantID string) (int64, error)
	RemoveOrphans(ctx context.Context, entity types.EntityType, tenantID *string, olderThan time.Time) (int64, error)
}

// Noop stands in when no vector service is configured.
type Noop struct{}

func (Noop) CountIndexed(context.Context, types.EntityType, string) (int64, error) {
	return 0, ErrDisabled
}

func (Noop) RemoveOrphans(context.Context, types.EntityType, *string, time.Time) (int64, error) {
	return 0, ErrDisabled
}

// Client is the HTTP implementation. All calls run through a circuit breaker
// so a down vector sidecar cannot stall coverage refreshes or reindex passes.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient builds a client for the service at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("vector")
	settings := gobreaker.Settings{
		Name:        "vector-service",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// CountIndexed returns how many records of the entity the service holds for
// the tenant.
func (c *Client) CountIndexed(ctx context.Context, entity types.EntityType, tenantID string) (int64, error) {
	q := url.Values{}
	q.Set("entityType", string(entity))
	q.Set("tenantId", tenantID)

	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.getJSON(ctx, "/v1/records/count?"+q.Encode(), &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// RemoveOrphans asks the service to drop embeddings last touched before
// olderThan, scoped to the entity and optional tenant.
func (c *Client) RemoveOrphans(ctx context.Context, entity types.EntityType, tenantID *string, olderThan time.Time) (int64, error) {
	body := map[string]any{
		"entityType": string(entity),
		"olderThan":  olderThan.UTC().Format(time.RFC3339Nano),
	}
	if tenantID != nil {
		body["tenantId"] = *tenantID
	}

	var out struct {
		Removed int64 `json:"removed"`
	}
	if err := c.postJSON(ctx, "/v1/records/orphans", body, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	return c.do(func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	}, dest)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("vector: marshal request: %w", err)
	}
	return c.do(func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(string(payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, dest)
}

func (c *Client) do(build func() (*http.Request, error), dest any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("vector: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
		}
		if dest == nil {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return nil, fmt.Errorf("vector: decode %s response: %w", req.URL.Path, err)
		}
		return nil, nil
	})
	return err
}
