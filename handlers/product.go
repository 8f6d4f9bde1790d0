package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/cache"
	"github.com/SunwellVictor/ces-site-sub001/models"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ProductHandler struct {
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

func NewProductHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:          db,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (h *ProductHandler) GetProducts(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "GetProducts")
	defer span.End()

	rows, err := h.db.QueryContext(ctx,
		"SELECT id, name, slug, price_cents, currency, active, created_at FROM products WHERE active = true ORDER BY id")
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.PriceCents, &p.Currency, &p.Active, &p.CreatedAt); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product", zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, products)
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	// Try to get from cache first
	cachedData, err := cache.GetProduct(ctx, h.redisClient, id)
	if err == nil {
		var detail models.ProductDetail
		if err := json.Unmarshal(cachedData, &detail); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			h.logger.Info("Cache hit", zap.String("product_id", id))
			c.JSON(http.StatusOK, detail)
			return
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	var detail models.ProductDetail
	err = h.db.QueryRowContext(ctx,
		"SELECT id, name, slug, price_cents, currency, active, created_at FROM products WHERE id = $1",
		id,
	).Scan(&detail.Product.ID, &detail.Product.Name, &detail.Product.Slug, &detail.Product.PriceCents,
		&detail.Product.Currency, &detail.Product.Active, &detail.Product.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	fileRows, err := h.db.QueryContext(ctx,
		"SELECT id, product_id, name, file_key, size_bytes FROM product_files WHERE product_id = $1 ORDER BY id",
		detail.Product.ID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch product files", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer fileRows.Close()

	for fileRows.Next() {
		var f models.ProductFile
		if err := fileRows.Scan(&f.ID, &f.ProductID, &f.Name, &f.FileKey, &f.SizeBytes); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product file", zap.Error(err))
			continue
		}
		detail.Files = append(detail.Files, f)
	}

	// Cache the product for 5 minutes
	cache.SetProduct(ctx, h.redisClient, id, detail, 5*time.Minute)

	c.JSON(http.StatusOK, detail)
}
