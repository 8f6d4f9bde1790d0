package grants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/config"
	"github.com/SunwellVictor/ces-site-sub001/kafka"
	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/models"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Provisioner expands a paid order's line items into per-file download
// grants. Creation is keyed by the (user, product, file, order) unique index,
// so repeated invocation never duplicates a grant or resets its counters.
type Provisioner struct {
	db       *sql.DB
	producer sarama.SyncProducer
	topic    string
	cfg      config.Fulfillment
	logger   *zap.Logger
}

func NewProvisioner(db *sql.DB, producer sarama.SyncProducer, topic string, cfg config.Fulfillment, logger *zap.Logger) *Provisioner {
	return &Provisioner{db: db, producer: producer, topic: topic, cfg: cfg, logger: logger}
}

func (p *Provisioner) ProvisionForOrder(ctx context.Context, order *models.Order) ([]models.DownloadGrant, error) {
	traceID := middleware.GetTraceID(ctx)

	rows, err := p.db.QueryContext(ctx,
		"SELECT DISTINCT oi.product_id, pf.id FROM order_items oi JOIN product_files pf ON pf.product_id = oi.product_id WHERE oi.order_id = $1 ORDER BY oi.product_id, pf.id",
		order.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloadable files: %w", err)
	}
	defer rows.Close()

	type pair struct{ productID, fileID int }
	var pairs []pair
	for rows.Next() {
		var pr pair
		if err := rows.Scan(&pr.productID, &pr.fileID); err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		pairs = append(pairs, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file rows: %w", err)
	}

	grants := make([]models.DownloadGrant, 0, len(pairs))
	for _, pr := range pairs {
		grant, created, err := p.createIfAbsent(ctx, order.UserID, pr.productID, pr.fileID, &order.ID)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *grant)

		if !created {
			continue
		}

		middleware.RecordGrantCreated()
		event := models.FulfillmentEvent{
			OrderID:   order.ID,
			UserID:    order.UserID,
			GrantID:   grant.ID,
			ProductID: pr.productID,
			FileID:    pr.fileID,
			EventType: "grant_created",
		}
		if err := kafka.PublishFulfillmentEvent(ctx, p.producer, p.topic, event, p.logger); err != nil {
			p.logger.Error("Failed to publish grant_created event",
				zap.String("trace_id", traceID), zap.Error(err))
		}
		p.logger.Info("Grant created",
			zap.String("trace_id", traceID),
			zap.Int("grant_id", grant.ID),
			zap.Int("order_id", order.ID),
			zap.Int("file_id", pr.fileID))
	}

	return grants, nil
}

const grantColumns = "id, user_id, product_id, file_id, order_id, max_downloads, downloads_used, expires_at, created_at"

// createIfAbsent inserts a grant under the natural-key unique index, falling
// back to fetching the existing row when another invocation won the insert.
func (p *Provisioner) createIfAbsent(ctx context.Context, userID, productID, fileID int, orderID *int) (*models.DownloadGrant, bool, error) {
	maxDownloads := sql.NullInt64{}
	if p.cfg.GrantMaxDownloads > 0 {
		maxDownloads = sql.NullInt64{Int64: int64(p.cfg.GrantMaxDownloads), Valid: true}
	}
	expiresAt := sql.NullTime{}
	if p.cfg.GrantExpiryDays > 0 {
		expiresAt = sql.NullTime{Time: time.Now().AddDate(0, 0, p.cfg.GrantExpiryDays), Valid: true}
	}

	var grant models.DownloadGrant
	err := p.db.QueryRowContext(ctx,
		"INSERT INTO download_grants (user_id, product_id, file_id, order_id, max_downloads, expires_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (user_id, product_id, file_id, COALESCE(order_id, 0)) DO NOTHING RETURNING "+grantColumns,
		userID, productID, fileID, orderID, maxDownloads, expiresAt,
	).Scan(&grant.ID, &grant.UserID, &grant.ProductID, &grant.FileID, &grant.OrderID,
		&grant.MaxDownloads, &grant.DownloadsUsed, &grant.ExpiresAt, &grant.CreatedAt)
	if err == nil {
		return &grant, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create grant: %w", err)
	}

	// Conflict: the grant already exists, fetch it without touching counters.
	err = p.db.QueryRowContext(ctx,
		"SELECT "+grantColumns+" FROM download_grants WHERE user_id = $1 AND product_id = $2 AND file_id = $3 AND COALESCE(order_id, 0) = COALESCE($4, 0)",
		userID, productID, fileID, orderID,
	).Scan(&grant.ID, &grant.UserID, &grant.ProductID, &grant.FileID, &grant.OrderID,
		&grant.MaxDownloads, &grant.DownloadsUsed, &grant.ExpiresAt, &grant.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch existing grant: %w", err)
	}
	return &grant, false, nil
}

// ListForUser returns a user's grants, newest first, for display.
func (p *Provisioner) ListForUser(ctx context.Context, userID int) ([]models.DownloadGrant, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+grantColumns+" FROM download_grants WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []models.DownloadGrant
	for rows.Next() {
		var grant models.DownloadGrant
		if err := rows.Scan(&grant.ID, &grant.UserID, &grant.ProductID, &grant.FileID, &grant.OrderID,
			&grant.MaxDownloads, &grant.DownloadsUsed, &grant.ExpiresAt, &grant.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	return grants, nil
}
