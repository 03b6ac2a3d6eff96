package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hyperengineering/fieldscript/docstore/migrations"
)

// PostgresStore keeps documents in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and applies pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("docstore: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("docstore: run migrations: %w", err)
	}
	return nil
}

const documentColumns = `id, owner_id, template, name, content, fields, version, deleted, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, doc Document) (Document, error) {
	doc.ID = uuid.NewString()
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, doc.ID, doc.OwnerID, doc.Template, doc.Name, doc.Content, nullJSON(doc.Fields),
		doc.Version, doc.Deleted, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: insert: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Put(ctx context.Context, doc Document) (Document, bool, error) {
	if _, err := uuid.Parse(doc.ID); err != nil {
		return Document{}, false, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner string
	var createdAt time.Time
	err = tx.QueryRow(ctx, `SELECT owner_id, created_at FROM documents WHERE id = $1 FOR UPDATE`, doc.ID).
		Scan(&owner, &createdAt)
	created := errors.Is(err, pgx.ErrNoRows)
	switch {
	case created:
	case err != nil:
		return Document{}, false, fmt.Errorf("docstore: lookup: %w", err)
	case owner != doc.OwnerID:
		return Document{}, false, ErrForbidden
	default:
		doc.CreatedAt = createdAt
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			template = EXCLUDED.template,
			name = EXCLUDED.name,
			content = EXCLUDED.content,
			fields = EXCLUDED.fields,
			version = EXCLUDED.version,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at
	`, doc.ID, doc.OwnerID, doc.Template, doc.Name, doc.Content, nullJSON(doc.Fields),
		doc.Version, doc.Deleted, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: upsert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Document{}, false, fmt.Errorf("docstore: commit: %w", err)
	}
	return doc, created, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Document{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE owner_id = $1`
	args := []any{q.OwnerID}
	if !q.IncludeDeleted {
		query += ` AND NOT deleted`
	}
	if !q.UpdatedSince.IsZero() {
		args = append(args, q.UpdatedSince.UTC())
		query += fmt.Sprintf(` AND updated_at > $%d`, len(args))
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: list: %w", err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id string) (Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Document{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE documents
		SET deleted = TRUE,
		    version = CASE WHEN deleted THEN version ELSE version + 1 END,
		    updated_at = CASE WHEN deleted THEN updated_at ELSE $2 END
		WHERE id = $1
		RETURNING `+documentColumns, id, time.Now().UTC())
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	var fields []byte
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Template, &doc.Name, &doc.Content, &fields,
		&doc.Version, &doc.Deleted, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	if len(fields) > 0 {
		doc.Fields = fields
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
