// Package marketfeed contains the vendor-facing clients for options market
// data: a REST client for reference data and polling fallbacks, and a
// WebSocket client for the real-time stream.
package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/desklab/optiondesk/internal/crypto"
	"github.com/desklab/optiondesk/internal/domain"
)

// DataClient is the REST client for the market data vendor API.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	loc        *time.Location
}

// NewDataClient creates a REST client.
//
// baseURL is the API root, e.g. "https://api.optionsfeed.example". auth may
// be nil for endpoints served without credentials. loc is the market
// timezone used to parse date-only contract expiries.
func NewDataClient(baseURL string, auth *crypto.HMACAuth, loc *time.Location) *DataClient {
	if loc == nil {
		loc = time.UTC
	}
	return &DataClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth: auth,
		loc:  loc,
	}
}

// GetContract returns the reference snapshot for one option contract.
func (d *DataClient) GetContract(ctx context.Context, symbol string) (domain.Contract, error) {
	path := fmt.Sprintf("/v1/options/%s", url.PathEscape(symbol))

	body, err := d.doGet(ctx, path)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("marketfeed/rest: get contract %s: %w", symbol, err)
	}

	var apiContract APIContract
	if err := json.Unmarshal(body, &apiContract); err != nil {
		return domain.Contract{}, fmt.Errorf("marketfeed/rest: decode contract: %w", err)
	}

	return apiContract.ToDomainContract(d.loc), nil
}

// ListContracts returns a page of contracts for an underlying ticker.
func (d *DataClient) ListContracts(ctx context.Context, underlying string, limit, offset int) ([]domain.Contract, error) {
	params := url.Values{}
	params.Set("underlying", underlying)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	path := "/v1/options?" + params.Encode()

	body, err := d.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("marketfeed/rest: list contracts for %s: %w", underlying, err)
	}

	var apiContracts []APIContract
	if err := json.Unmarshal(body, &apiContracts); err != nil {
		return nil, fmt.Errorf("marketfeed/rest: decode contracts: %w", err)
	}

	contracts := make([]domain.Contract, 0, len(apiContracts))
	for i := range apiContracts {
		contracts = append(contracts, apiContracts[i].ToDomainContract(d.loc))
	}

	return contracts, nil
}

// GetQuote returns the current top-of-book quote for a contract.
func (d *DataClient) GetQuote(ctx context.Context, symbol string) (domain.QuoteSample, error) {
	path := fmt.Sprintf("/v1/options/%s/quote", url.PathEscape(symbol))

	body, err := d.doGet(ctx, path)
	if err != nil {
		return domain.QuoteSample{}, fmt.Errorf("marketfeed/rest: get quote %s: %w", symbol, err)
	}

	var apiQuote APIQuote
	if err := json.Unmarshal(body, &apiQuote); err != nil {
		return domain.QuoteSample{}, fmt.Errorf("marketfeed/rest: decode quote: %w", err)
	}

	return apiQuote.ToDomainSample(domain.SourceREST), nil
}

// GetGreeks returns the current Greeks for a contract.
func (d *DataClient) GetGreeks(ctx context.Context, symbol string) (domain.GreeksSample, error) {
	path := fmt.Sprintf("/v1/options/%s/greeks", url.PathEscape(symbol))

	body, err := d.doGet(ctx, path)
	if err != nil {
		return domain.GreeksSample{}, fmt.Errorf("marketfeed/rest: get greeks %s: %w", symbol, err)
	}

	var apiGreeks APIGreeksTick
	if err := json.Unmarshal(body, &apiGreeks); err != nil {
		return domain.GreeksSample{}, fmt.Errorf("marketfeed/rest: decode greeks: %w", err)
	}

	return apiGreeks.ToDomainSample(domain.SourceREST), nil
}

// GetUnderlying returns the current last trade for an underlying ticker.
func (d *DataClient) GetUnderlying(ctx context.Context, ticker string) (domain.UnderlyingSample, error) {
	path := fmt.Sprintf("/v1/underlying/%s", url.PathEscape(ticker))

	body, err := d.doGet(ctx, path)
	if err != nil {
		return domain.UnderlyingSample{}, fmt.Errorf("marketfeed/rest: get underlying %s: %w", ticker, err)
	}

	var apiUnder APIUnderlying
	if err := json.Unmarshal(body, &apiUnder); err != nil {
		return domain.UnderlyingSample{}, fmt.Errorf("marketfeed/rest: decode underlying: %w", err)
	}

	return apiUnder.ToDomainSample(domain.SourceREST), nil
}

// GetFlow returns the session call/put volume split for an underlying.
func (d *DataClient) GetFlow(ctx context.Context, ticker string) (domain.FlowSample, error) {
	path := fmt.Sprintf("/v1/underlying/%s/flow", url.PathEscape(ticker))

	body, err := d.doGet(ctx, path)
	if err != nil {
		return domain.FlowSample{}, fmt.Errorf("marketfeed/rest: get flow %s: %w", ticker, err)
	}

	var apiFlow APIFlow
	if err := json.Unmarshal(body, &apiFlow); err != nil {
		return domain.FlowSample{}, fmt.Errorf("marketfeed/rest: decode flow: %w", err)
	}

	return apiFlow.ToDomainSample(domain.SourceREST), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends a GET request, signing it when credentials are configured.
func (d *DataClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if d.auth != nil {
		for k, v := range d.auth.Headers(http.MethodGet, path, "") {
			req.Header.Set(k, v)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// checkHTTPStatus maps vendor error statuses onto domain sentinel errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
