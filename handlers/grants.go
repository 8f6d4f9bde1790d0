package handlers

import (
	"net/http"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/grants"
	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type GrantHandler struct {
	provisioner *grants.Provisioner
	logger      *zap.Logger
}

func NewGrantHandler(provisioner *grants.Provisioner, logger *zap.Logger) *GrantHandler {
	return &GrantHandler{
		provisioner: provisioner,
		logger:      logger,
	}
}

type grantView struct {
	models.DownloadGrant
	// Remaining is nil for unlimited grants, 0 for expired ones.
	Remaining *int `json:"remaining"`
}

func (h *GrantHandler) ListGrants(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "ListGrants")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	span.SetAttributes(attribute.Int("user.id", userID))

	list, err := h.provisioner.ListForUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list grants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	now := time.Now()
	views := make([]grantView, 0, len(list))
	for _, g := range list {
		views = append(views, grantView{DownloadGrant: g, Remaining: g.Remaining(now)})
	}

	span.SetAttributes(attribute.Int("grants.count", len(views)))
	c.JSON(http.StatusOK, views)
}
