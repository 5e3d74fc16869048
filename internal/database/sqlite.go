package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tierstore/internal/database/migrations"
	"tierstore/internal/tierstore"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements the record store on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens a SQLite database.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}
	return db, nil
}

func (s *SQLiteStore) Migrate(context.Context) error {
	return migrations.MigrateUp(s.db)
}

func (s *SQLiteStore) CheckMigrations(context.Context) error {
	return migrations.CheckDBMigrationStatus(s.db)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteColumns = "id, name, content_type, size, tier, locator, remote_id, owner_id, created_at"

// Save inserts rec, or replaces the record with the same id.
func (s *SQLiteStore) Save(ctx context.Context, rec *tierstore.FileRecord) error {
	var data any
	if rec.Tier == tierstore.TierDatabase {
		data = nonNil(rec.Data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (id, name, content_type, size, tier, locator, remote_id, owner_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			content_type = excluded.content_type,
			size = excluded.size,
			tier = excluded.tier,
			locator = excluded.locator,
			remote_id = excluded.remote_id,
			owner_id = excluded.owner_id,
			data = excluded.data,
			created_at = excluded.created_at`,
		rec.ID, rec.Name, rec.ContentType, rec.Size, string(rec.Tier), rec.Locator,
		rec.RemoteID, rec.OwnerID, data, rec.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving record %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*tierstore.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteColumns+" FROM files WHERE id = ?", id)
	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, tierstore.ErrNotFound)
		}
		return nil, fmt.Errorf("finding record %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) DeleteByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, tierstore.ErrNotFound)
	}
	return nil
}

// Search returns one page of records, oldest first.
func (s *SQLiteStore) Search(ctx context.Context, q tierstore.SearchQuery) (*tierstore.Page, error) {
	q = q.Normalize()

	var where []string
	var args []any
	if !q.AllOwners {
		where = append(where, "owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if q.Term != "" {
		where = append(where, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.Term)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := &tierstore.Page{Items: []*tierstore.FileRecord{}, Page: q.Page, Size: q.Size}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files"+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteColumns+" FROM files"+clause+" ORDER BY created_at, id LIMIT ? OFFSET ?",
		append(args, q.Size, q.Offset())...,
	)
	if err != nil {
		return nil, fmt.Errorf("searching records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		page.Items = append(page.Items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("searching records: %w", err)
	}
	return page, nil
}

func (s *SQLiteStore) LocatorExists(ctx context.Context, tier tierstore.Tier, locator string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM files WHERE tier = ? AND locator = ? LIMIT 1", string(tier), locator,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("checking locator: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ListByTier(ctx context.Context, tier tierstore.Tier) ([]*tierstore.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteColumns+" FROM files WHERE tier = ? ORDER BY created_at, id", string(tier),
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", tier, err)
	}
	defer rows.Close()

	var recs []*tierstore.FileRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) InlineData(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM files WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, tierstore.ErrNotFound)
		}
		return nil, fmt.Errorf("loading inline data of %s: %w", id, err)
	}
	if data == nil {
		return nil, fmt.Errorf("record %s has no inline data: %w", id, tierstore.ErrNotFound)
	}
	return data, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*tierstore.FileRecord, error) {
	var rec tierstore.FileRecord
	var tier string
	var created int64
	err := row.Scan(&rec.ID, &rec.Name, &rec.ContentType, &rec.Size, &tier,
		&rec.Locator, &rec.RemoteID, &rec.OwnerID, &created)
	if err != nil {
		return nil, err
	}
	rec.Tier = tierstore.Tier(tier)
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

// escapeLike escapes LIKE wildcards so term matches literally.
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
