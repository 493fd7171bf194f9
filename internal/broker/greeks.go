package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const greeksPath = "/rest/secure/angelbroking/marketData/v1/optionGreek"

// GreeksClient fetches per-contract option analytics for one underlying and
// expiry. Requests are rate-limited to respect the broker's per-second
// budget for the analytics endpoint.
type GreeksClient struct {
	httpClient *http.Client
	baseURL    string
	session    *Session
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewGreeksClient(session *Session, requestDelay time.Duration, logger *zap.Logger) *GreeksClient {
	return &GreeksClient{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    defaultBaseURL,
		session:    session,
		limiter:    rate.NewLimiter(rate.Every(requestDelay), 1),
		logger:     logger,
	}
}

type greeksResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// FetchGreeks returns the raw per-contract analytics list for the
// underlying at the given expiry (broker form, e.g. 27JAN2026). A non-JSON
// response is a transient error; an expired session surfaces as
// ErrSessionExpired so the caller can re-authenticate.
func (c *GreeksClient) FetchGreeks(ctx context.Context, name, expiry string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(map[string]string{"name": name, "expirydate": expiry})
	if err != nil {
		return nil, fmt.Errorf("encoding greeks request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+greeksPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating greeks request: %w", err)
	}
	for k, v := range apiHeaders(c.session.APIKey, c.session.AuthToken) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("greeks request for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("greeks request for %s: %w", name, ErrSessionExpired)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading greeks response: %w", err)
	}

	var parsed greeksResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("non-JSON greeks response for %s: %.120s", name, string(raw))
	}
	if !parsed.Status {
		if parsed.ErrorCode == "AG8001" || parsed.ErrorCode == "AG8002" {
			return nil, fmt.Errorf("greeks request for %s: %w", name, ErrSessionExpired)
		}
		return nil, fmt.Errorf("greeks request for %s failed: %s", name, parsed.Message)
	}
	return parsed.Data, nil
}
