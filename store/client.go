package store

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

	"github.com/auctionlive/bidsync/shared/config"
	"github.com/auctionlive/bidsync/shared/models"
)

// Client talks to the bid store over HTTP: historical snapshots and bid
// submissions. The live feed goes over a separate WebSocket connection.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCount int
	retryBase  time.Duration
	logger     *zap.Logger
}

// NewClient builds a store client from configuration.
func NewClient(cfg config.StoreConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}

	ratePerSec := cfg.RatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 5
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		baseURL:    cfg.BaseURL,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: cfg.FetchRetries,
		retryBase:  cfg.FetchRetryBase,
		logger:     logger,
	}
}

// FetchBids returns the point-in-time snapshot of all bids placed on an
// auction. The fetch is idempotent, so transient failures are retried with
// exponential delay; a missing auction maps to ErrAuctionNotFound and is not
// retried.
func (c *Client) FetchBids(ctx context.Context, productID string) ([]models.Bid, error) {
	url := fmt.Sprintf("%s/auctions/%s/bids", c.baseURL, productID)

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryBase * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying history fetch",
				zap.String("productID", productID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		bids, retryable, err := c.fetchOnce(ctx, url)
		if err == nil {
			return bids, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("history fetch failed after %d attempts: %w", c.retryCount+1, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url string) (bids []models.Bid, retryable bool, err error) {
	// Each attempt spends its own limiter token; retries do not get to skip
	// the line.
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, true, readErr
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrAuctionNotFound
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, &bids); err != nil {
		return nil, false, fmt.Errorf("failed to decode bid list: %w", err)
	}
	return bids, false, nil
}

// SubmitBid places one bid. It is never retried here: a timed-out submission
// may still have been accepted server-side, and its broadcast will arrive
// through the live feed, so the caller decides whether to try again.
func (c *Client) SubmitBid(ctx context.Context, req models.SubmitRequest) (*models.SubmitResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	url := fmt.Sprintf("%s/auctions/%s/bids", c.baseURL, req.ProductID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submission failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusConflict:
		// Accepted and rejected-too-low both carry a SubmitResponse body.
	case http.StatusNotFound:
		return nil, ErrAuctionNotFound
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var out models.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode submission response: %w", err)
	}
	return &out, nil
}

// GetAuction returns the static auction record (end time, starting price).
// Not part of the sync core; used by callers for countdown display.
func (c *Client) GetAuction(ctx context.Context, productID string) (*models.Auction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := fmt.Sprintf("%s/auctions/%s", c.baseURL, productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAuctionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var auction models.Auction
	if err := json.NewDecoder(resp.Body).Decode(&auction); err != nil {
		return nil, fmt.Errorf("failed to decode auction: %w", err)
	}
	return &auction, nil
}
