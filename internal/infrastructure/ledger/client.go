package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/supplysync/backend/internal/infrastructure/config"
)

// ValueRange is a rectangular block of cells addressed in A1 notation
type ValueRange struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// WriteStatus classifies the outcome of a batched write
type WriteStatus int

const (
	// WriteOk means every range was applied
	WriteOk WriteStatus = iota
	// WriteNeedsUpgradedAuth means the active credential cannot write; the
	// operator must configure a writable strategy.
	WriteNeedsUpgradedAuth
	// WriteTransient means the ledger rejected the call with a retryable
	// condition (throttling or a server error).
	WriteTransient
	// WriteFatal means the request itself was invalid and retrying is useless
	WriteFatal
)

// WriteOutcome is the typed result of BatchUpdate. A non-Ok status always
// carries Err with the underlying detail.
type WriteOutcome struct {
	Status        WriteStatus
	UpdatedRanges int
	Err           error
}

// Client is a rate-limited HTTP client for the external cost ledger
type Client struct {
	baseURL    string
	documentID string
	cred       Credential
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a ledger client with the given credential
func NewClient(cfg *config.LedgerConfig, cred Credential, logger *zap.Logger) *Client {
	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return &Client{
		baseURL:    cfg.BaseURL,
		documentID: cfg.DocumentID,
		cred:       cred,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:    rate.NewLimiter(perSecond, cfg.RequestsPerMinute),
		logger:     logger.Named("ledger"),
	}
}

// CanWrite reports whether the active credential allows mutating the ledger
func (c *Client) CanWrite() bool {
	return c.cred.CanWrite()
}

// Read fetches the cell values of a single range. Trailing empty cells within
// a row may be omitted by the provider; callers index defensively.
func (c *Client) Read(ctx context.Context, rng string) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/documents/%s/values/%s",
		c.baseURL, url.PathEscape(c.documentID), url.PathEscape(rng))

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger read %s: status %d", rng, resp.StatusCode)
	}

	var body struct {
		Values [][]string `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ledger read %s: decode: %w", rng, err)
	}
	return body.Values, nil
}

// BatchUpdate applies all value ranges in a single call. With a read-only
// credential it returns WriteNeedsUpgradedAuth without touching the network.
func (c *Client) BatchUpdate(ctx context.Context, updates []ValueRange) WriteOutcome {
	if len(updates) == 0 {
		return WriteOutcome{Status: WriteOk}
	}
	if !c.cred.CanWrite() {
		return WriteOutcome{
			Status: WriteNeedsUpgradedAuth,
			Err:    fmt.Errorf("credential %q is read-only", c.cred.Name()),
		}
	}

	endpoint := fmt.Sprintf("%s/documents/%s/values:batchUpdate",
		c.baseURL, url.PathEscape(c.documentID))

	payload, err := json.Marshal(struct {
		Data []ValueRange `json:"data"`
	}{Data: updates})
	if err != nil {
		return WriteOutcome{Status: WriteFatal, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return WriteOutcome{Status: WriteTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return WriteOutcome{Status: WriteOk, UpdatedRanges: len(updates)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return WriteOutcome{
			Status: WriteNeedsUpgradedAuth,
			Err:    fmt.Errorf("ledger write rejected with status %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return WriteOutcome{
			Status: WriteTransient,
			Err:    fmt.Errorf("ledger write failed with status %d", resp.StatusCode),
		}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return WriteOutcome{
			Status: WriteFatal,
			Err:    fmt.Errorf("ledger write failed with status %d: %s", resp.StatusCode, snippet),
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.cred.Authorize(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("ledger request failed",
			zap.String("method", method),
			zap.Error(err))
		return nil, err
	}
	c.logger.Debug("ledger request",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}
