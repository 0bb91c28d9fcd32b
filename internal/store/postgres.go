package store

import (
	"context"
	"database/sql"
	"errors"

	"plansync/internal/merge"
)

// PostgresStore keeps one row per (vertical, doc_type) in vertical_documents,
// with the document and its field timestamps as JSONB columns.
type PostgresStore struct {
	db      *sql.DB
	docType string
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, docType: DocTypePlan}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Load(ctx context.Context, vertical string) (merge.Document, merge.FieldTimestamps, error) {
	const query = `
		SELECT document, field_timestamps
		FROM vertical_documents
		WHERE vertical = $1 AND doc_type = $2
	`
	var docJSON, tsJSON []byte
	err := s.db.QueryRowContext(ctx, query, vertical, s.docType).Scan(&docJSON, &tsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return merge.Document{}, merge.FieldTimestamps{}, nil
	}
	if err != nil {
		return nil, nil, unavailable("load "+vertical, err)
	}
	doc, ts, err := decodeState(docJSON, tsJSON)
	if err != nil {
		return nil, nil, unavailable("load "+vertical, err)
	}
	return doc, ts, nil
}

func (s *PostgresStore) Store(ctx context.Context, vertical string, doc merge.Document, ts merge.FieldTimestamps) error {
	docJSON, tsJSON, err := encodeState(doc, ts)
	if err != nil {
		return err
	}
	const upsert = `
		INSERT INTO vertical_documents (vertical, doc_type, document, field_timestamps, revision)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, 1)
		ON CONFLICT (vertical, doc_type) DO UPDATE
		SET document = EXCLUDED.document,
			field_timestamps = EXCLUDED.field_timestamps,
			revision = vertical_documents.revision + 1,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, upsert, vertical, s.docType, string(docJSON), string(tsJSON)); err != nil {
		return unavailable("store "+vertical, err)
	}
	return nil
}

// Update locks the vertical's row for the duration of fn. A missing row is
// created first so concurrent first writers serialize on the same lock.
func (s *PostgresStore) Update(ctx context.Context, vertical string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin update "+vertical, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vertical_documents (vertical, doc_type)
		VALUES ($1, $2)
		ON CONFLICT (vertical, doc_type) DO NOTHING
	`, vertical, s.docType); err != nil {
		_ = tx.Rollback()
		return unavailable("seed "+vertical, err)
	}

	var docJSON, tsJSON []byte
	if err := tx.QueryRowContext(ctx, `
		SELECT document, field_timestamps
		FROM vertical_documents
		WHERE vertical = $1 AND doc_type = $2
		FOR UPDATE
	`, vertical, s.docType).Scan(&docJSON, &tsJSON); err != nil {
		_ = tx.Rollback()
		return unavailable("lock "+vertical, err)
	}
	doc, ts, err := decodeState(docJSON, tsJSON)
	if err != nil {
		_ = tx.Rollback()
		return unavailable("load "+vertical, err)
	}

	next, nextTs, write, err := fn(doc, ts)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !write {
		if err := tx.Commit(); err != nil {
			return unavailable("commit "+vertical, err)
		}
		return nil
	}

	nextDoc, nextTsJSON, err := encodeState(next, nextTs)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE vertical_documents
		SET document = $3::jsonb,
			field_timestamps = $4::jsonb,
			revision = revision + 1,
			updated_at = NOW()
		WHERE vertical = $1 AND doc_type = $2
	`, vertical, s.docType, string(nextDoc), string(nextTsJSON)); err != nil {
		_ = tx.Rollback()
		return unavailable("update "+vertical, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit "+vertical, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
