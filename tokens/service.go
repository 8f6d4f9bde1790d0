package tokens

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/models"

	"go.uber.org/zap"
)

// Issue and consume errors. The download endpoint renders a distinct message
// per case, so these are never collapsed into a generic failure.
var (
	ErrGrantNotFound    = errors.New("grant not found")
	ErrNotOwner         = errors.New("grant does not belong to requester")
	ErrGrantExpired     = errors.New("grant expired")
	ErrGrantExhausted   = errors.New("grant download limit reached")
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenAlreadyUsed = errors.New("token already used")
)

// Service issues short-lived, single-use download tokens against grants and
// enforces usage and expiry limits when they are redeemed. Capacity is
// checked at issuance for early feedback and re-checked transactionally at
// consumption, so concurrent redemptions cannot overshoot the cap.
type Service struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewService(db *sql.DB, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{db: db, ttl: ttl, logger: logger, now: time.Now}
}

// Issue creates a fresh token for the grant. It does not increment the usage
// counter; that happens only on successful consumption.
func (s *Service) Issue(ctx context.Context, grantID, requesterUserID int) (*models.DownloadToken, error) {
	var grant models.DownloadGrant
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, max_downloads, downloads_used, expires_at FROM download_grants WHERE id = $1",
		grantID,
	).Scan(&grant.ID, &grant.UserID, &grant.MaxDownloads, &grant.DownloadsUsed, &grant.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}

	now := s.now()
	if grant.UserID != requesterUserID {
		return nil, ErrNotOwner
	}
	if grant.Expired(now) {
		return nil, ErrGrantExpired
	}
	if grant.MaxDownloads != nil && grant.DownloadsUsed >= *grant.MaxDownloads {
		return nil, ErrGrantExhausted
	}

	credential, err := newCredential()
	if err != nil {
		return nil, err
	}

	var token models.DownloadToken
	err = s.db.QueryRowContext(ctx,
		"INSERT INTO download_tokens (grant_id, token, expires_at) VALUES ($1, $2, $3) RETURNING id, grant_id, token, expires_at, created_at",
		grantID, credential, now.Add(s.ttl),
	).Scan(&token.ID, &token.GrantID, &token.Token, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	s.logger.Info("Download token issued",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("grant_id", grantID),
		zap.Int("token_id", token.ID))
	return &token, nil
}

// Consume redeems a token exactly once. Marking the token used and
// incrementing the grant counter happen in one transaction with the rows
// locked, so two tokens racing for the last download cannot both win: the
// loser gets ErrGrantExhausted even though it passed the issuance check.
func (s *Service) Consume(ctx context.Context, credential string) (*models.FileRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		tokenID        int
		grantID        int
		tokenExpiresAt time.Time
		usedAt         *time.Time
		grantExpiresAt *time.Time
		fileRef        models.FileRef
	)
	err = tx.QueryRowContext(ctx,
		"SELECT t.id, t.grant_id, t.expires_at, t.used_at, g.expires_at, pf.id, pf.file_key, pf.name FROM download_tokens t JOIN download_grants g ON g.id = t.grant_id JOIN product_files pf ON pf.id = g.file_id WHERE t.token = $1 FOR UPDATE OF t, g",
		credential,
	).Scan(&tokenID, &grantID, &tokenExpiresAt, &usedAt, &grantExpiresAt, &fileRef.FileID, &fileRef.FileKey, &fileRef.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			middleware.RecordDownload("token_not_found")
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	now := s.now()
	if now.After(tokenExpiresAt) {
		middleware.RecordDownload("token_expired")
		return nil, ErrTokenExpired
	}
	if usedAt != nil {
		middleware.RecordDownload("token_already_used")
		return nil, ErrTokenAlreadyUsed
	}
	if grantExpiresAt != nil && grantExpiresAt.Before(now) {
		middleware.RecordDownload("grant_expired")
		return nil, ErrGrantExpired
	}

	// The capacity check and increment run as one statement; a race that
	// consumed the last download since issuance updates zero rows.
	res, err := tx.ExecContext(ctx,
		"UPDATE download_grants SET downloads_used = downloads_used + 1 WHERE id = $1 AND (max_downloads IS NULL OR downloads_used < max_downloads)",
		grantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to increment downloads: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		middleware.RecordDownload("grant_exhausted")
		return nil, ErrGrantExhausted
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE download_tokens SET used_at = $2 WHERE id = $1",
		tokenID, now,
	); err != nil {
		return nil, fmt.Errorf("failed to mark token used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consumption: %w", err)
	}

	middleware.RecordDownload("ok")
	s.logger.Info("Download token consumed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("token_id", tokenID),
		zap.Int("grant_id", grantID),
		zap.Int("file_id", fileRef.FileID))
	return &fileRef, nil
}

func newCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
