package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/infrastructure/config"
)

// writableCred is a writable no-op credential for exercising the client
type writableCred struct{}

func (writableCred) Authorize(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer test")
	return nil
}
func (writableCred) CanWrite() bool { return true }
func (writableCred) Name() string   { return "test" }

func newTestClient(baseURL string, cred Credential) *Client {
	return NewClient(&config.LedgerConfig{
		BaseURL:           baseURL,
		DocumentID:        "doc-1",
		SheetName:         "CMP",
		RequestsPerMinute: 6000,
		TimeoutSeconds:    5,
	}, cred, zap.NewNop())
}

func TestClientRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Contains(t, r.URL.Path, "/documents/doc-1/values/")
		assert.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"values":[["WPC80","Brand","Whey","WPC80,WPC-80","OstroVit","2.5"],["CREA-500"]]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, writableCred{})
	values, err := client.Read(context.Background(), "CMP!A2:K")
	require.NoError(t, err)

	require.Len(t, values, 2)
	assert.Equal(t, "2.5", values[0][5])
	// The provider truncates trailing empty cells.
	assert.Len(t, values[1], 1)
}

func TestClientReadNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL, writableCred{})
	_, err := client.Read(context.Background(), "CMP!A2:K")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBatchUpdateOutcomeMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       WriteStatus
	}{
		{"ok", http.StatusOK, WriteOk},
		{"unauthorized", http.StatusUnauthorized, WriteNeedsUpgradedAuth},
		{"forbidden", http.StatusForbidden, WriteNeedsUpgradedAuth},
		{"throttled", http.StatusTooManyRequests, WriteTransient},
		{"server error", http.StatusInternalServerError, WriteTransient},
		{"bad request", http.StatusBadRequest, WriteFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Contains(t, r.URL.Path, "values:batchUpdate")
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := newTestClient(server.URL, writableCred{})
			outcome := client.BatchUpdate(context.Background(), []ValueRange{
				{Range: "CMP!F2:K2", Values: [][]string{{"2.5"}}},
			})

			assert.Equal(t, tt.want, outcome.Status)
			if tt.want == WriteOk {
				assert.Equal(t, 1, outcome.UpdatedRanges)
				assert.NoError(t, outcome.Err)
			} else {
				assert.Error(t, outcome.Err)
			}
		})
	}
}

func TestBatchUpdateReadOnlyCredentialSkipsNetwork(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	cred, err := NewCredential(&config.LedgerConfig{APIKey: "key-123"})
	require.NoError(t, err)

	client := newTestClient(server.URL, cred)
	outcome := client.BatchUpdate(context.Background(), []ValueRange{
		{Range: "CMP!F2:K2", Values: [][]string{{"2.5"}}},
	})

	assert.Equal(t, WriteNeedsUpgradedAuth, outcome.Status)
	assert.Error(t, outcome.Err)
	assert.Zero(t, requests.Load())
}

func TestBatchUpdateEmptyIsNoOp(t *testing.T) {
	client := newTestClient("http://unreachable.invalid", writableCred{})
	outcome := client.BatchUpdate(context.Background(), nil)
	assert.Equal(t, WriteOk, outcome.Status)
	assert.Zero(t, outcome.UpdatedRanges)
}

func TestBatchUpdateNetworkErrorIsTransient(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1", writableCred{})
	outcome := client.BatchUpdate(context.Background(), []ValueRange{
		{Range: "CMP!F2:K2", Values: [][]string{{"2.5"}}},
	})
	assert.Equal(t, WriteTransient, outcome.Status)
	assert.Error(t, outcome.Err)
}
