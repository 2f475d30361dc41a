// Package vectorstore implements the VectorStore consumed interface (spec
// §6): nearest-neighbour search per named collection, backed by Postgres +
// pgvector. A "collection" is a partition of a single chunk table keyed by
// a collection name column, addressed the way a ChromaDB collection is
// addressed by callers (list/query/count; there is no separate get call)
// without requiring a ChromaDB-compatible server.
package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/rattsbas/aegis/internal/model"
)

// QueryFilter restricts a collection query (the "where" clause of §6).
type QueryFilter struct {
	DocType string
}

// QueryResult is one row returned by collection.query, with the pgvector
// L2 distance (<->) normalized to a similarity in (0,1]
// (similarity = 1/(1+distance)).
type QueryResult struct {
	ID         string
	Similarity float64
	Document   model.Document
}

// Store implements the VectorStore contract against a pgvector-backed pool.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New creates a Store. dim is the fixed embedding dimension checked against
// every query embedding.
func New(pool *pgxpool.Pool, dim int) *Store {
	return &Store{pool: pool, dim: dim}
}

// ListCollections returns the distinct collection names present in the store.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.ListCollections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("vectorstore.ListCollections: scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Count returns the number of documents in a named collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents WHERE collection = $1`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vectorstore.Count: %w", err)
	}
	return n, nil
}

// Query performs a nearest-neighbour search within one named collection.
// The outer list dimension of the underlying contract is always 1 per call
// (one query embedding in, one ranked list out).
func (s *Store) Query(ctx context.Context, collection string, embedding []float32, nResults int, filter QueryFilter) ([]QueryResult, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("vectorstore.Query: embedding dimension %d != expected %d", len(embedding), s.dim)
	}

	vec := pgvector.NewVector(embedding)

	query := `
		SELECT id, title, snippet, doc_type, date, has_date,
			1.0 / (1.0 + (embedding <-> $1::vector)) AS similarity
		FROM documents
		WHERE collection = $2`
	args := []any{vec, collection}
	argN := 3

	if filter.DocType != "" {
		query += fmt.Sprintf(" AND doc_type = $%d", argN)
		args = append(args, filter.DocType)
		argN++
	}

	query += fmt.Sprintf(" ORDER BY embedding <-> $1::vector LIMIT $%d", argN)
	args = append(args, nResults)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.Query: %w", err)
	}
	defer rows.Close()

	var results []QueryResult
	for rows.Next() {
		var (
			r       QueryResult
			date    time.Time
			hasDate bool
		)
		r.Document.Collection = collection
		if err := rows.Scan(&r.ID, &r.Document.Title, &r.Document.Snippet, &r.Document.Type, &date, &hasDate, &r.Similarity); err != nil {
			return nil, fmt.Errorf("vectorstore.Query: scan: %w", err)
		}
		r.Document.ID = r.ID
		r.Document.Date = date
		r.Document.HasDate = hasDate
		results = append(results, r)
	}
	return results, rows.Err()
}

// BulkInsert stores documents with their embeddings. Used only by external
// indexing tooling, not by the request path; kept here because it shares
// the same pgvector encoding as Query.
func (s *Store) BulkInsert(ctx context.Context, docs []model.Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return fmt.Errorf("vectorstore.BulkInsert: doc count (%d) != vector count (%d)", len(docs), len(vectors))
	}

	batch := &pgx.Batch{}
	for i, d := range docs {
		embedding := pgvector.NewVector(vectors[i])
		batch.Queue(`
			INSERT INTO documents (id, collection, title, snippet, doc_type, date, has_date, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			d.ID, d.Collection, d.Title, d.Snippet, d.Type, d.Date, d.HasDate, embedding,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(docs); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("vectorstore.BulkInsert: doc %d: %w", i, err)
		}
	}
	return nil
}
