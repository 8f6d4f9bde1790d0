package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SunwellVictor/ces-site-sub001/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHealthHandler(storage.InitHTTPStore(zaptest.NewLogger(t)))
	router.GET("/health", handler.HealthCheck)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	// A fresh breaker reports closed.
	expectedBody := `{"asset_store":"closed","service":"fulfillment-service","status":"healthy"}`
	if w.Body.String() != expectedBody {
		t.Errorf("Expected body %s, got %s", expectedBody, w.Body.String())
	}
}
