package financial

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/automaton/internal/httpkit"
)

// CreditsClient reads the compute credit balance from the provider's
// HTTP API.
type CreditsClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCreditsClient creates a credits client. A nil httpClient gets a
// default [httpkit.NewClient].
func NewCreditsClient(baseURL, apiKey string, httpClient *http.Client) *CreditsClient {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	return &CreditsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type creditsResponse struct {
	BalanceCents *int64 `json:"balance_cents"`
}

// CreditsBalance implements [CreditSource].
func (c *CreditsClient) CreditsBalance(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/credits/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	var out creditsResponse
	if err := httpkit.DoJSON(c.httpClient, req, c.apiKey, &out); err != nil {
		return 0, fmt.Errorf("credits balance: %w", err)
	}
	if out.BalanceCents == nil {
		return 0, fmt.Errorf("credits response missing balance_cents")
	}
	return *out.BalanceCents, nil
}

// TokenBalanceClient reads a wallet's stablecoin balance from a JSON
// balance endpoint.
type TokenBalanceClient struct {
	endpoint   string
	address    string
	httpClient *http.Client
}

// NewTokenBalanceClient creates a token balance client for address.
func NewTokenBalanceClient(endpoint, address string, httpClient *http.Client) *TokenBalanceClient {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	return &TokenBalanceClient{endpoint: endpoint, address: address, httpClient: httpClient}
}

// TokenBalance implements [TokenSource].
func (c *TokenBalanceClient) TokenBalance(ctx context.Context) (float64, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, fmt.Errorf("parse token endpoint: %w", err)
	}
	q := u.Query()
	q.Set("address", c.address)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := httpkit.DoJSON(c.httpClient, req, "", &out); err != nil {
		return 0, fmt.Errorf("token balance: %w", err)
	}
	return out.Balance, nil
}
