package kyc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Provider reports a customer's current KYC status (APPROVED, PENDING or REJECTED).
type Provider interface {
	Status(ctx context.Context, customerID string) (string, error)
}

func normalize(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case domain.KycApproved, "VERIFIED":
		return domain.KycApproved
	case domain.KycRejected, "DECLINED", "DENIED":
		return domain.KycRejected
	default:
		return domain.KycPending
	}
}

// HTTPProvider queries a KYC vendor at GET {base}/v1/customers/{id}/kyc.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

func (p *HTTPProvider) Status(ctx context.Context, customerID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/customers/%s/kyc", p.baseURL, url.PathEscape(customerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build kyc request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kyc lookup for %s: %w", customerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.KycPending, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("kyc lookup for %s returned %d: %s", customerID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode kyc response: %w", err)
	}
	return normalize(out.Status), nil
}

// CachedProvider caches final statuses in Redis for a bounded TTL.
// PENDING is never cached so approvals are picked up on the next pass.
type CachedProvider struct {
	next  Provider
	redis redis.Cmdable
	ttl   time.Duration
}

const maxCacheTTL = 10 * time.Minute

func NewCachedProvider(next Provider, rdb redis.Cmdable, ttl time.Duration) Provider {
	if rdb == nil || ttl <= 0 {
		return next
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	return &CachedProvider{next: next, redis: rdb, ttl: ttl}
}

func cacheKey(customerID string) string {
	return "kyc:status:" + customerID
}

func (c *CachedProvider) Status(ctx context.Context, customerID string) (string, error) {
	cached, err := c.redis.Get(ctx, cacheKey(customerID)).Result()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		zap.L().Warn("kyc cache read failed", zap.String("customer_id", customerID), zap.Error(err))
	}

	status, err := c.next.Status(ctx, customerID)
	if err != nil {
		return "", err
	}
	if status != domain.KycPending {
		if err := c.redis.Set(ctx, cacheKey(customerID), status, c.ttl).Err(); err != nil {
			zap.L().Warn("kyc cache write failed", zap.String("customer_id", customerID), zap.Error(err))
		}
	}
	return status, nil
}

// StaticProvider answers from an in-memory table.
type StaticProvider struct {
	mu       sync.RWMutex
	statuses map[string]string
	// Default is returned for unknown customers.
	Default string
}

func NewStaticProvider(defaultStatus string) *StaticProvider {
	return &StaticProvider{statuses: make(map[string]string), Default: normalize(defaultStatus)}
}

func (s *StaticProvider) Set(customerID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[customerID] = normalize(status)
}

func (s *StaticProvider) Status(_ context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.statuses[customerID]; ok {
		return status, nil
	}
	return s.Default, nil
}
