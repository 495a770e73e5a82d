package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production endpoint of the carbon-data service.
const DefaultBaseURL = "https://api.watttime.org"

// Source provides percentile signals to the orchestrator. Login refreshes
// the source's credentials; the orchestrator calls it after a failed
// fetch and retries the region on the next tick.
type Source interface {
	CurrentPercentile(ctx context.Context, region string) (float64, error)
	Login(ctx context.Context) error
}

// DataError is a non-ok response from the carbon-data service.
type DataError struct {
	Region     string
	StatusCode int
}

func (e *DataError) Error() string {
	return fmt.Sprintf("carbon data for region %s: unexpected status %d", e.Region, e.StatusCode)
}

// Client talks to the carbon-data HTTP API. It owns its bearer token;
// there is no process-wide token state.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	token      string
	logger     *zap.Logger
}

func NewClient(baseURL, username, password string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Login exchanges the client's credentials for a fresh bearer token.
func (c *Client) Login(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/login", nil)
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("carbon data login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("carbon data login: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	c.token = body.Token
	c.logger.Info("refreshed carbon data token")
	return nil
}

// CurrentPercentile fetches the current signal-index percentile for a
// region. A non-2xx response is reported as a DataError so the caller can
// refresh the token and skip the region for this tick.
func (c *Client) CurrentPercentile(ctx context.Context, region string) (float64, error) {
	q := url.Values{}
	q.Set("region", region)
	q.Set("signal_type", "co2_moer")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v3/signal-index?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("building signal-index request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching signal-index for %s: %w", region, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &DataError{Region: region, StatusCode: resp.StatusCode}
	}

	var body struct {
		Data []struct {
			Value float64 `json:"value"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decoding signal-index response for %s: %w", region, err)
	}
	if len(body.Data) == 0 {
		return 0, fmt.Errorf("signal-index response for %s contained no data points", region)
	}
	return body.Data[0].Value, nil
}
