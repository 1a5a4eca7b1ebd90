package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/lessonloop/realtime/internal/codec"
)

const (
	postgresCheckpointTableName = "realtime_checkpoints"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists checkpoints in a single upserted row per document.
// The table is created lazily on first use.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresCheckpointTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Load(ctx context.Context, documentID string) (*Checkpoint, error) {
	if documentID == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT state, rendered_text, updated_at FROM %s WHERE document_id = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	var encodedState, renderedText string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(&encodedState, &renderedText, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state, err := codec.Decode(encodedState)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		State:        state,
		RenderedText: renderedText,
		UpdatedAt:    updatedAt,
	}, nil
}

func (s *PostgresStore) Save(ctx context.Context, documentID string, cp Checkpoint) error {
	if documentID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, state, rendered_text, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET state = EXCLUDED.state, rendered_text = EXCLUDED.rendered_text, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, documentID, codec.Encode(cp.State), cp.RenderedText)
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				rendered_text TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
