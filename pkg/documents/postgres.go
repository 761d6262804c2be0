package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

const getDocumentSQL = `SELECT identifier, title, date, link, text FROM documents WHERE identifier = $1`

// querier is the subset of pgxpool.Pool used by PostgresStore
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresConfig configures the connection pool
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore resolves documents from a `documents` table
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and verifies connectivity
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 1
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: pool, pool: pool}, nil
}

// Close releases the pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Get loads one document by identifier
func (s *PostgresStore) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	var (
		doc               domain.Document
		title, date, link *string
	)
	err := s.db.QueryRow(ctx, getDocumentSQL, documentID).Scan(&doc.ID, &title, &date, &link, &doc.Text)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %q: %w", documentID, domain.ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("querying document %q: %w", documentID, err)
	}

	doc.Title = deref(title)
	doc.Date = deref(date)
	doc.Link = deref(link)
	return &doc, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
