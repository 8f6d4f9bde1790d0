package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "fulfillmentdb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

// The COALESCE in the grant index folds promotional grants (NULL order_id)
// into the natural key so the same promotional grant cannot be created twice.
// Order ids start at 1, so 0 never collides with a real order.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	email VARCHAR(255) NOT NULL UNIQUE,
	password_hash VARCHAR(255) NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS products (
	id SERIAL PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	slug VARCHAR(255) NOT NULL UNIQUE,
	price_cents BIGINT NOT NULL,
	currency VARCHAR(3) NOT NULL DEFAULT 'usd',
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS product_files (
	id SERIAL PRIMARY KEY,
	product_id INTEGER NOT NULL REFERENCES products(id),
	name VARCHAR(255) NOT NULL,
	file_key VARCHAR(512) NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
	id SERIAL PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	total_cents BIGINT NOT NULL,
	currency VARCHAR(3) NOT NULL DEFAULT 'usd',
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	session_ref VARCHAR(255) NOT NULL UNIQUE,
	payment_ref VARCHAR(255),
	paid_at TIMESTAMP,
	failure_reason TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS ix_orders_payment_ref ON orders (payment_ref);

CREATE TABLE IF NOT EXISTS order_items (
	id SERIAL PRIMARY KEY,
	order_id INTEGER NOT NULL REFERENCES orders(id),
	product_id INTEGER NOT NULL REFERENCES products(id),
	quantity INTEGER NOT NULL,
	unit_cents BIGINT NOT NULL,
	line_total_cents BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
	id SERIAL PRIMARY KEY,
	event_id VARCHAR(255) NOT NULL UNIQUE,
	kind VARCHAR(100) NOT NULL,
	payload BYTEA,
	processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS download_grants (
	id SERIAL PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	product_id INTEGER NOT NULL REFERENCES products(id),
	file_id INTEGER NOT NULL REFERENCES product_files(id),
	order_id INTEGER REFERENCES orders(id),
	max_downloads INTEGER,
	downloads_used INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMP,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_download_grants_natural
	ON download_grants (user_id, product_id, file_id, COALESCE(order_id, 0));

CREATE TABLE IF NOT EXISTS download_tokens (
	id SERIAL PRIMARY KEY,
	grant_id INTEGER NOT NULL REFERENCES download_grants(id),
	token VARCHAR(128) NOT NULL UNIQUE,
	expires_at TIMESTAMP NOT NULL,
	used_at TIMESTAMP,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
