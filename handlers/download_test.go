package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/storage"
	"github.com/SunwellVictor/ces-site-sub001/tokens"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

// Fake storage backend returning a canned signed URL.
type fakeStore struct {
	url string
	err error
}

func (f *fakeStore) SignURL(ctx context.Context, fileKey string) (string, error) {
	return f.url, f.err
}

func setupDownloadTest(t *testing.T, store storage.Store) (sqlmock.Sqlmock, *gin.Engine, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t)
	service := tokens.NewService(db, 10*time.Minute, logger)
	handler := NewDownloadHandler(service, store, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/download/:token", handler.Download)
	router.POST("/grants/:id/token", func(c *gin.Context) {
		c.Set("user_id", 7)
		handler.IssueToken(c)
	})

	return mock, router, func() { db.Close() }
}

const consumeQuery = "SELECT t.id, t.grant_id, t.expires_at, t.used_at, g.expires_at, pf.id, pf.file_key, pf.name FROM download_tokens"

func TestDownload_RedirectsToSignedURL(t *testing.T) {
	mock, router, cleanup := setupDownloadTest(t, &fakeStore{url: "https://cdn.example.com/signed/track.flac"})
	defer cleanup()

	grantExpiry := time.Now().Add(24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(consumeQuery).
		WithArgs("tok_abc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "grant_id", "expires_at", "used_at", "expires_at", "id", "file_key", "name"}).
			AddRow(1, 5, time.Now().Add(5*time.Minute), nil, grantExpiry, 3, "files/track.flac", "track.flac"))
	mock.ExpectExec("UPDATE download_grants SET downloads_used").
		WithArgs(5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE download_tokens SET used_at").
		WithArgs(1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodGet, "/download/tok_abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Errorf("Expected status %d, got %d", http.StatusFound, w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://cdn.example.com/signed/track.flac" {
		t.Errorf("Expected redirect to signed URL, got %s", loc)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestDownload_TokenNotFound(t *testing.T) {
	mock, router, cleanup := setupDownloadTest(t, &fakeStore{})
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(consumeQuery).
		WithArgs("tok_missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodGet, "/download/tok_missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestDownload_StorageUnavailable(t *testing.T) {
	mock, router, cleanup := setupDownloadTest(t, &fakeStore{err: errors.New("upstream timeout")})
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(consumeQuery).
		WithArgs("tok_abc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "grant_id", "expires_at", "used_at", "expires_at", "id", "file_key", "name"}).
			AddRow(1, 5, time.Now().Add(5*time.Minute), nil, nil, 3, "files/track.flac", "track.flac"))
	mock.ExpectExec("UPDATE download_grants SET downloads_used").
		WithArgs(5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE download_tokens SET used_at").
		WithArgs(1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodGet, "/download/tok_abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestIssueToken_NotOwner(t *testing.T) {
	mock, router, cleanup := setupDownloadTest(t, &fakeStore{})
	defer cleanup()

	maxDownloads := 5
	mock.ExpectQuery("SELECT id, user_id, max_downloads, downloads_used, expires_at FROM download_grants").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "max_downloads", "downloads_used", "expires_at"}).
			AddRow(9, 42, maxDownloads, 0, time.Now().Add(24*time.Hour)))

	req := httptest.NewRequest(http.MethodPost, "/grants/9/token", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestIssueToken_Success(t *testing.T) {
	mock, router, cleanup := setupDownloadTest(t, &fakeStore{})
	defer cleanup()

	expiry := time.Now().Add(24 * time.Hour)
	mock.ExpectQuery("SELECT id, user_id, max_downloads, downloads_used, expires_at FROM download_grants").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "max_downloads", "downloads_used", "expires_at"}).
			AddRow(9, 7, 5, 1, expiry))
	mock.ExpectQuery("INSERT INTO download_tokens").
		WithArgs(9, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "grant_id", "token", "expires_at", "created_at"}).
			AddRow(1, 9, "tok_new", time.Now().Add(10*time.Minute), time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/grants/9/token", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d", http.StatusCreated, w.Code)
	}
	if !strings.Contains(w.Body.String(), `"download_url":"/download/tok_new"`) {
		t.Errorf("Expected download URL in response, got %s", w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
