package handlers

import (
	"net/http"

	"github.com/SunwellVictor/ces-site-sub001/storage"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	assetStore *storage.HTTPStore
}

func NewHealthHandler(assetStore *storage.HTTPStore) *HealthHandler {
	return &HealthHandler{assetStore: assetStore}
}

// HealthCheck reports liveness plus the asset-store circuit state, so a
// tripped breaker is visible without reading logs.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "fulfillment-service",
		"status":      "healthy",
		"asset_store": h.assetStore.CircuitState().String(),
	})
}
