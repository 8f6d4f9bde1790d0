package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/circuitbreaker"

	"go.uber.org/zap"
)

// HTTPStore signs download URLs via the asset store's HTTP API. Calls are
// guarded by a circuit breaker so a degraded store fails fast instead of
// piling up request handlers.
type HTTPStore struct {
	baseURL        string
	apiToken       string
	client         *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

func InitHTTPStore(logger *zap.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL:        getEnv("ASSET_STORE_URL", "http://localhost:9000"),
		apiToken:       getEnv("ASSET_STORE_TOKEN", ""),
		client:         &http.Client{Timeout: 10 * time.Second},
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:         logger,
	}
}

// CircuitState reports the breaker's current state for health reporting.
func (s *HTTPStore) CircuitState() circuitbreaker.State {
	return s.circuitBreaker.GetState()
}

type signResponse struct {
	URL string `json:"url"`
}

func (s *HTTPStore) SignURL(ctx context.Context, fileKey string) (string, error) {
	var signed string

	err := s.circuitBreaker.Execute(ctx, func() error {
		endpoint := fmt.Sprintf("%s/sign?key=%s", s.baseURL, url.QueryEscape(fileKey))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		if s.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiToken)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("asset store returned status %d", resp.StatusCode)
		}

		var body signResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode sign response: %w", err)
		}
		signed = body.URL
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to sign download URL", zap.String("file_key", fileKey), zap.Error(err))
		return "", fmt.Errorf("failed to sign URL: %w", err)
	}

	return signed, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
