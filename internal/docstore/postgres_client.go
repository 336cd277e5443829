package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDocumentTableName = "answerdesk_documents"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresClient stores documents in a single table keyed by path, with a
// monotonically increasing revision column as the version token. The
// compare-and-swap happens in SQL, so conflicts are detected even across
// processes sharing the database.
type PostgresClient struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresClient(dsn string) (*PostgresClient, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresClient{
		dsn:       dsn,
		tableName: postgresDocumentTableName,
		openDB:    sql.Open,
	}, nil
}

func (c *PostgresClient) Get(ctx context.Context, path string) (Document, error) {
	if err := c.ensureReady(); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT content, revision FROM %s WHERE path = $1", postgresQuoteIdentifier(c.tableName))
	var content string
	var revision int64
	err := c.db.QueryRowContext(opCtx, query, path).Scan(&content, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Document{Content: []byte(content), VersionToken: strconv.FormatInt(revision, 10)}, nil
}

func (c *PostgresClient) Put(ctx context.Context, path string, content []byte, versionToken, message string) (string, error) {
	if err := c.ensureReady(); err != nil {
		return versionToken, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(c.tableName)
	if versionToken == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (path, content, revision, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (path) DO NOTHING`, table)
		result, err := c.db.ExecContext(opCtx, query, path, string(content))
		if err != nil {
			return versionToken, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if inserted, _ := result.RowsAffected(); inserted == 0 {
			return versionToken, &ConflictError{Path: path, StaleToken: versionToken}
		}
		return "1", nil
	}

	revision, err := strconv.ParseInt(versionToken, 10, 64)
	if err != nil {
		return versionToken, fmt.Errorf("%w: bad version token %q", ErrInvalidInput, versionToken)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET content = $1, revision = revision + 1, updated_at = NOW()
		WHERE path = $2 AND revision = $3`, table)
	result, err := c.db.ExecContext(opCtx, query, string(content), path, revision)
	if err != nil {
		return versionToken, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if updated, _ := result.RowsAffected(); updated == 0 {
		return versionToken, &ConflictError{Path: path, StaleToken: versionToken}
	}
	return strconv.FormatInt(revision+1, 10), nil
}

func (c *PostgresClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresClient) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				path TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				revision BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
