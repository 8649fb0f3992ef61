package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/domain/shared"
	"github.com/supplysync/backend/internal/infrastructure/config"
)

// lookupChunkSize bounds how many SKUs a single GraphQL document queries. The
// admin API rejects documents above this alias count.
const lookupChunkSize = 50

// InventoryClient fetches current stock levels from the commerce platform's
// admin GraphQL API.
type InventoryClient struct {
	accessToken string
	apiVersion  string
	httpClient  *http.Client
	logger      *zap.Logger

	// baseURL overrides the shop-derived endpoint when set; used in tests
	baseURL string
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(cfg *config.CommerceConfig, logger *zap.Logger) *InventoryClient {
	return &InventoryClient{
		accessToken: cfg.AccessToken,
		apiVersion:  cfg.APIVersion,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:      logger.Named("commerce"),
	}
}

// StockBySKU returns the current stock quantity for each SKU that the shop
// knows. Unknown SKUs are absent from the result. Lookups are batched into
// aliased sub-queries so a large invoice costs a handful of round trips.
func (c *InventoryClient) StockBySKU(ctx context.Context, shopRef string, skus []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(skus))
	if len(skus) == 0 {
		return out, nil
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shopRef, c.apiVersion)
	}

	for offset := 0; offset < len(skus); offset += lookupChunkSize {
		end := offset + lookupChunkSize
		if end > len(skus) {
			end = len(skus)
		}
		chunk := skus[offset:end]

		if err := c.queryChunk(ctx, endpoint, chunk, out); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (c *InventoryClient) queryChunk(ctx context.Context, endpoint string, skus []string, out map[string]decimal.Decimal) error {
	var sb strings.Builder
	sb.WriteString("query {\n")
	for i, sku := range skus {
		fmt.Fprintf(&sb, "  q%d: productVariants(first: 1, query: %s) { edges { node { sku inventoryQuantity } } }\n",
			i, quoteArg(fmt.Sprintf("sku:%q", sku)))
	}
	sb.WriteString("}")

	body, err := json.Marshal(map[string]string{"query": sb.String()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Access-Token", c.accessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &shared.ExternalServiceError{Service: "commerce", Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("inventory lookup",
		zap.Int("skus", len(skus)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return &shared.ExternalServiceError{
			Service: "commerce",
			Err:     fmt.Errorf("inventory lookup returned %d", resp.StatusCode),
		}
	}

	var parsed struct {
		Data map[string]struct {
			Edges []struct {
				Node struct {
					SKU               string          `json:"sku"`
					InventoryQuantity decimal.Decimal `json:"inventoryQuantity"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return &shared.ExternalServiceError{Service: "commerce", Err: err}
	}
	if len(parsed.Errors) > 0 {
		return &shared.ExternalServiceError{
			Service: "commerce",
			Err:     fmt.Errorf("graphql: %s", parsed.Errors[0].Message),
		}
	}

	for i, sku := range skus {
		alias := fmt.Sprintf("q%d", i)
		result, ok := parsed.Data[alias]
		if !ok || len(result.Edges) == 0 {
			continue
		}
		// The platform may canonicalize casing; key by the SKU we asked for so
		// callers can correlate.
		out[sku] = result.Edges[0].Node.InventoryQuantity
	}
	return nil
}

// quoteArg JSON-quotes a GraphQL string argument
func quoteArg(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}
