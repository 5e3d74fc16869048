package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tierstore/internal/database/migrations"
	"tierstore/internal/tierstore"
)

// PostgresStore implements the record store on PostgreSQL through pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
	dsn  string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and pings the server.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &PostgresStore{pool: pool, dsn: dsn}, nil
}

func (s *PostgresStore) Migrate(context.Context) error {
	return migrations.MigratePostgresUp(s.dsn)
}

func (s *PostgresStore) CheckMigrations(context.Context) error {
	return migrations.CheckPostgresMigrationStatus(s.dsn)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const postgresColumns = "id, name, content_type, size, tier, locator, remote_id, owner_id, created_at"

func (s *PostgresStore) Save(ctx context.Context, rec *tierstore.FileRecord) error {
	var data []byte
	if rec.Tier == tierstore.TierDatabase {
		data = nonNil(rec.Data)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO files (id, name, content_type, size, tier, locator, remote_id, owner_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			content_type = EXCLUDED.content_type,
			size = EXCLUDED.size,
			tier = EXCLUDED.tier,
			locator = EXCLUDED.locator,
			remote_id = EXCLUDED.remote_id,
			owner_id = EXCLUDED.owner_id,
			data = EXCLUDED.data,
			created_at = EXCLUDED.created_at`,
		rec.ID, rec.Name, rec.ContentType, rec.Size, string(rec.Tier), rec.Locator,
		rec.RemoteID, rec.OwnerID, data, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving record %s: %w", rec.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*tierstore.FileRecord, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+postgresColumns+" FROM files WHERE id = $1", id)
	rec, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, tierstore.ErrNotFound)
		}
		return nil, fmt.Errorf("finding record %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, tierstore.ErrNotFound)
	}
	return nil
}

// Search returns one page of records, oldest first. Name matching is
// case-insensitive.
func (s *PostgresStore) Search(ctx context.Context, q tierstore.SearchQuery) (*tierstore.Page, error) {
	q = q.Normalize()

	var where []string
	var args []any
	if !q.AllOwners {
		args = append(args, q.OwnerID)
		where = append(where, "owner_id = $"+strconv.Itoa(len(args)))
	}
	if q.Term != "" {
		args = append(args, "%"+escapeLike(q.Term)+"%")
		where = append(where, `name ILIKE $`+strconv.Itoa(len(args))+` ESCAPE '\'`)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := &tierstore.Page{Items: []*tierstore.FileRecord{}, Page: q.Page, Size: q.Size}
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM files"+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf("SELECT %s FROM files%s ORDER BY created_at, id LIMIT $%d OFFSET $%d",
		postgresColumns, clause, n+1, n+2)
	rows, err := s.pool.Query(ctx, query, append(args, q.Size, q.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("searching records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
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

func (s *PostgresStore) LocatorExists(ctx context.Context, tier tierstore.Tier, locator string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM files WHERE tier = $1 AND locator = $2)", string(tier), locator,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking locator: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListByTier(ctx context.Context, tier tierstore.Tier) ([]*tierstore.FileRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+postgresColumns+" FROM files WHERE tier = $1 ORDER BY created_at, id", string(tier),
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", tier, err)
	}
	defer rows.Close()

	var recs []*tierstore.FileRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) InlineData(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM files WHERE id = $1", id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, tierstore.ErrNotFound)
		}
		return nil, fmt.Errorf("loading inline data of %s: %w", id, err)
	}
	if data == nil {
		return nil, fmt.Errorf("record %s has no inline data: %w", id, tierstore.ErrNotFound)
	}
	return data, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresRecord(row pgx.Row) (*tierstore.FileRecord, error) {
	var rec tierstore.FileRecord
	var tier string
	err := row.Scan(&rec.ID, &rec.Name, &rec.ContentType, &rec.Size, &tier,
		&rec.Locator, &rec.RemoteID, &rec.OwnerID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Tier = tierstore.Tier(tier)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
