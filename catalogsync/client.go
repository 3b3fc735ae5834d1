package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type catalogClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
	breaker   *gobreaker.CircuitBreaker[catalogListResponse]
}

func newCatalogClient() (*catalogClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("CATALOG_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("CATALOG_API_BASE_URL is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv("CATALOG_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("CATALOG_API_KEY is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("CATALOG_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("CATALOG_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	// The breaker stops a dead catalog service from stalling every sync tick
	// behind 30s client timeouts. Half-open after a minute, one probe.
	breaker := gobreaker.NewCircuitBreaker[catalogListResponse](gobreaker.Settings{
		Name:        "catalog-api",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &catalogClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: time.Tick(interval),
		breaker: breaker,
	}, nil
}

type catalogListResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (c *catalogClient) getList(ctx context.Context, path string, params url.Values) (catalogListResponse, error) {
	<-c.limiter
	return c.breaker.Execute(func() (catalogListResponse, error) {
		return c.doGetList(ctx, path, params)
	})
}

func (c *catalogClient) doGetList(ctx context.Context, path string, params url.Values) (catalogListResponse, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return catalogListResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return catalogListResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return catalogListResponse{}, fmt.Errorf("catalog api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed catalogListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return catalogListResponse{}, err
	}
	return parsed, nil
}
