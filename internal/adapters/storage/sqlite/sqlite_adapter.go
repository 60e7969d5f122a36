package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/dbutil"
)

// Adapter implements BlobStoragePort and JournalPort using SQLite
type Adapter struct {
	db             *sql.DB
	wrapper        *dbutil.Wrapper
	migrationsPath string
}

var (
	_ ports.BlobStoragePort = (*Adapter)(nil)
	_ ports.JournalPort     = (*Adapter)(nil)
)

// NewAdapter creates a new SQLite storage adapter
func NewAdapter(dbPath, migrationsPath string) (*Adapter, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(constants.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(constants.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(constants.DatabaseConnMaxLifetime)

	return &Adapter{
		db:             db,
		wrapper:        dbutil.NewWrapper(db, constants.DatabaseTimeout),
		migrationsPath: migrationsPath,
	}, nil
}

// Migrate runs database migrations
func (a *Adapter) Migrate(ctx context.Context) error {
	_, err := a.wrapper.ExecQuery(ctx, `
		CREATE TABLE IF NOT EXISTS `+constants.MigrationsTableName+` (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := a.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	migrationFiles, err := filepath.Glob(filepath.Join(a.migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	sort.Strings(migrationFiles)

	for _, file := range migrationFiles {
		version := strings.TrimSuffix(filepath.Base(file), ".sql")
		if done[version] {
			continue
		}

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		err = a.wrapper.WithTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO "+constants.MigrationsTableName+" (version) VALUES (?)", version); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// AppliedMigrations lists applied migration versions in order
func (a *Adapter) AppliedMigrations(ctx context.Context) ([]string, error) {
	var versions []string
	err := a.wrapper.QueryEach(ctx, "SELECT version FROM "+constants.MigrationsTableName+" ORDER BY version", nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var version string
			if err := rows.Scan(&version); err != nil {
				return fmt.Errorf("failed to scan migration version: %w", err)
			}
			versions = append(versions, version)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	return versions, nil
}

// Ping checks database connectivity
func (a *Adapter) Ping(ctx context.Context) error {
	return a.wrapper.PingWithTimeout(ctx)
}

// Close closes the database connection
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Blob operations

// Load returns the blob stored under key
func (a *Adapter) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := a.wrapper.QueryRowScan(ctx, `SELECT data FROM blobs WHERE key = ?`, []interface{}{key}, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("key %s: %w", key, ports.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return data, nil
}

// Save replaces the blob stored under key
func (a *Adapter) Save(ctx context.Context, key string, data []byte) error {
	query := `
		INSERT INTO blobs (key, data, size, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			updated_at = excluded.updated_at
	`

	err := a.wrapper.SaveWithRetry(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, key, data, len(data))
		return err
	}, constants.DatabaseSaveRetries)
	if err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}
	return nil
}

// BlobInfo describes a stored blob without its contents
type BlobInfo struct {
	Key       string `json:"key"`
	Size      int    `json:"size"`
	UpdatedAt string `json:"updated_at"`
}

// ListBlobs describes every stored blob, ordered by key
func (a *Adapter) ListBlobs(ctx context.Context) ([]BlobInfo, error) {
	var blobs []BlobInfo
	err := a.wrapper.QueryEach(ctx, `SELECT key, size, updated_at FROM blobs ORDER BY key`, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var b BlobInfo
			if err := rows.Scan(&b.Key, &b.Size, &b.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan blob: %w", err)
			}
			blobs = append(blobs, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return blobs, nil
}

// Event operations

// SaveEvent appends an event to a workspace journal
func (a *Adapter) SaveEvent(ctx context.Context, workspace, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO events (id, workspace, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = a.wrapper.ExecQuery(ctx, query,
		entities.NewID(),
		workspace,
		eventType,
		string(payloadJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	return nil
}

// GetEvents returns the most recent events of a workspace, oldest first
func (a *Adapter) GetEvents(ctx context.Context, workspace string, limit int) ([]ports.Event, error) {
	query := `
		SELECT id, workspace, event_type, payload, created_at
		FROM events
		WHERE workspace = ?
		ORDER BY id DESC
		LIMIT ?
	`

	events := make([]ports.Event, 0)
	err := a.wrapper.QueryEach(ctx, query, []interface{}{workspace, limit}, func(rows *sql.Rows) error {
		for rows.Next() {
			var event ports.Event
			var payloadJSON string

			err := rows.Scan(
				&event.ID,
				&event.Workspace,
				&event.EventType,
				&payloadJSON,
				&event.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to scan event: %w", err)
			}

			if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
				return fmt.Errorf("failed to unmarshal event payload: %w", err)
			}

			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	// Newest were selected first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
