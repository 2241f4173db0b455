package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a RestClient configured to use it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	client := resty.New().SetBaseURL(server.URL)
	logger := zap.NewNop() // Use a no-op logger for tests

	rc := &RestClient{
		client:  client,
		apiKey:  "test_api_key",
		logger:  logger,
		limiter: rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
	}

	return rc, server
}

func TestGetBars(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		// Arrange
		mockResponse := `[
			{"date":"2024-01-01","open":100,"high":102,"low":99,"close":101,"volume":1500000},
			{"date":"2024-01-02","open":101,"high":104,"low":100,"close":103,"volume":1200000}
		]`

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/historical/daily", r.URL.Path)
			assert.Equal(t, "TCS", r.URL.Query().Get("symbol"))
			assert.Equal(t, "2024-01-01", r.URL.Query().Get("from"))
			assert.Equal(t, "2024-01-31", r.URL.Query().Get("to"))
			assert.Equal(t, "test_api_key", r.Header.Get("X-API-KEY"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(mockResponse))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		// Act
		bars, err := rc.GetBars(context.Background(), "TCS", day("2024-01-01"), day("2024-01-31"))

		// Assert
		require.NoError(t, err)
		require.Len(t, bars, 2)
		assert.Equal(t, day("2024-01-01"), bars[0].Date)
		assert.Equal(t, 100.0, bars[0].Open)
		assert.Equal(t, 103.0, bars[1].Close)
		assert.Equal(t, 1200000.0, bars[1].Volume)
	})

	t.Run("UnorderedResponseRejected", func(t *testing.T) {
		// Arrange: the API returns bars out of order, which would break the
		// no-look-ahead guarantee downstream.
		mockResponse := `[
			{"date":"2024-01-02","open":101,"high":104,"low":100,"close":103,"volume":1},
			{"date":"2024-01-01","open":100,"high":102,"low":99,"close":101,"volume":1}
		]`

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(mockResponse))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		// Act
		_, err := rc.GetBars(context.Background(), "TCS", day("2024-01-01"), day("2024-01-31"))

		// Assert
		assert.Error(t, err)
		assert.True(t, IsUnordered(err))
	})

	t.Run("BadDateRejected", func(t *testing.T) {
		mockResponse := `[{"date":"01/02/2024","open":100,"high":102,"low":99,"close":101,"volume":1}]`

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(mockResponse))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.GetBars(context.Background(), "TCS", day("2024-01-01"), day("2024-01-31"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "bad date")
	})

	t.Run("APIError", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "unknown symbol"}`))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.GetBars(context.Background(), "NOPE", day("2024-01-01"), day("2024-01-31"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get bars")
	})
}
