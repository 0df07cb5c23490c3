// Package ledger is the narrow query contract against the Stellar network.
// The sync service only ever needs one question answered: for a submitted
// transaction hash, did the network include it, and did it succeed.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/doyensec/safeurl"
	"golang.org/x/time/rate"
)

// ErrNotFound means the network has no record of the hash. For a recently
// submitted transaction this is the normal "still pending" answer, not a
// failure.
var ErrNotFound = errors.New("transaction not found on network")

// Status is the network's answer for a transaction hash.
type Status struct {
	Successful bool
}

// Client answers transaction status queries. The HTTP implementation is
// HorizonClient; tests substitute fakes.
type Client interface {
	TransactionStatus(ctx context.Context, txHash string) (Status, error)
}

// HorizonClient queries a Horizon-style /transactions/{hash} endpoint.
type HorizonClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHorizonClient creates a client for the Horizon server at baseURL.
// httpClient is injected so production can pass the safeurl-built client and
// tests can pass a plain one; rps caps outbound request rate.
func NewHorizonClient(baseURL string, httpClient *http.Client, rps float64) *HorizonClient {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &HorizonClient{
		baseURL: baseURL,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// BuildHTTPClient returns the SSRF-safe production *http.Client for Horizon
// queries. Redirect following is disabled; timeout is 10 seconds.
func BuildHTTPClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// horizonTransaction is the subset of the Horizon transaction resource we read.
type horizonTransaction struct {
	Hash       string `json:"hash"`
	Successful bool   `json:"successful"`
}

// TransactionStatus implements Client. A 404 maps to ErrNotFound; any other
// non-2xx status or transport failure is returned as a transient error for
// the caller's retry layer.
func (c *HorizonClient) TransactionStatus(ctx context.Context, txHash string) (Status, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Status{}, err
	}

	endpoint := c.baseURL + "/transactions/" + url.PathEscape(txHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, fmt.Errorf("build horizon request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("horizon GET %s: %w", txHash, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return Status{}, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return Status{}, fmt.Errorf("horizon GET %s: unexpected status %d", txHash, resp.StatusCode)
	}

	var tx horizonTransaction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tx); err != nil {
		return Status{}, fmt.Errorf("decode horizon response: %w", err)
	}
	return Status{Successful: tx.Successful}, nil
}
