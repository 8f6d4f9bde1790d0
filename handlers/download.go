package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/storage"
	"github.com/SunwellVictor/ces-site-sub001/tokens"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DownloadHandler exposes the two halves of the download flow: authenticated
// token issuance and capability-based token redemption.
type DownloadHandler struct {
	service *tokens.Service
	store   storage.Store
	logger  *zap.Logger
}

func NewDownloadHandler(service *tokens.Service, store storage.Store, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		service: service,
		store:   store,
		logger:  logger,
	}
}

func (h *DownloadHandler) IssueToken(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "IssueToken")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	grantID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid grant ID"})
		return
	}

	span.SetAttributes(
		attribute.Int("grant.id", grantID),
		attribute.Int("user.id", userID),
	)

	token, err := h.service.Issue(ctx, grantID, userID)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrGrantNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Grant not found"})
		case errors.Is(err, tokens.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "Grant belongs to another user"})
		case errors.Is(err, tokens.ErrGrantExpired):
			c.JSON(http.StatusGone, gin.H{"error": "Grant has expired"})
		case errors.Is(err, tokens.ErrGrantExhausted):
			c.JSON(http.StatusConflict, gin.H{"error": "Download limit reached"})
		default:
			span.RecordError(err)
			h.logger.Error("Failed to issue token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":        token.Token,
		"download_url": "/download/" + token.Token,
		"expires_at":   token.ExpiresAt,
	})
}

// Download redeems a token. The token itself is the capability; no other
// authentication applies here.
func (h *DownloadHandler) Download(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "Download")
	defer span.End()

	credential := c.Param("token")

	fileRef, err := h.service.Consume(ctx, credential)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrTokenNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
		case errors.Is(err, tokens.ErrTokenExpired):
			c.JSON(http.StatusGone, gin.H{"error": "Token has expired"})
		case errors.Is(err, tokens.ErrTokenAlreadyUsed):
			c.JSON(http.StatusConflict, gin.H{"error": "Token already used"})
		case errors.Is(err, tokens.ErrGrantExpired):
			c.JSON(http.StatusGone, gin.H{"error": "Grant has expired"})
		case errors.Is(err, tokens.ErrGrantExhausted):
			c.JSON(http.StatusConflict, gin.H{"error": "Download limit reached"})
		default:
			span.RecordError(err)
			h.logger.Error("Failed to consume token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	span.SetAttributes(attribute.Int("file.id", fileRef.FileID))

	signedURL, err := h.store.SignURL(ctx, fileRef.FileKey)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to sign download URL", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage temporarily unavailable"})
		return
	}

	c.Redirect(http.StatusFound, signedURL)
}
