package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/subasta/go/internal/auction"
)

// Entry is one finalized round as stored in the ledger.
type Entry struct {
	RoundID       uuid.UUID          `json:"round_id"`
	RoundNumber   int                `json:"round_number"`
	HasWinner     bool               `json:"has_winner"`
	WinnerID      string             `json:"winner_id,omitempty"`
	WinningAmount decimal.Decimal    `json:"winning_amount"`
	Standings     []auction.Standing `json:"standings"`
	StartedAt     time.Time          `json:"started_at"`
	FinalizedAt   time.Time          `json:"finalized_at"`
}

// Store appends finalized round outcomes to a Postgres table. It is an
// audit trail only; nothing reads it back to rebuild round state.
type Store struct {
	db    *sql.DB
	table string
}

// Open connects with the configured driver ("postgres" for lib/pq, "pgx"
// for the pgx stdlib driver) and makes sure the table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open(cfg.driver(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}

	store := New(db, cfg.Table)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("driver", cfg.driver()).
		Str("database", cfg.Database).
		Str("table", store.table).
		Msg("results ledger ready")

	return store, nil
}

// New wraps an existing handle.
func New(db *sql.DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: table}
}

func (s *Store) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

func (s *Store) createTableSQL() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			round_id       UUID PRIMARY KEY,
			round_number   INTEGER NOT NULL,
			has_winner     BOOLEAN NOT NULL,
			winner_id      TEXT,
			winning_amount NUMERIC(18,2) NOT NULL,
			standings      JSONB,
			started_at     TIMESTAMPTZ NOT NULL,
			finalized_at   TIMESTAMPTZ NOT NULL,
			recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.quotedTable())
}

func (s *Store) insertSQL() string {
	return fmt.Sprintf(`
		INSERT INTO %s (
			round_id, round_number, has_winner, winner_id, winning_amount,
			standings, started_at, finalized_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (round_id) DO NOTHING`, s.quotedTable())
}

func (s *Store) recentSQL() string {
	return fmt.Sprintf(`
		SELECT round_id, round_number, has_winner, winner_id, winning_amount,
		       standings, started_at, finalized_at
		FROM %s
		ORDER BY finalized_at DESC
		LIMIT $1`, s.quotedTable())
}

// EnsureSchema creates the ledger table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.createTableSQL()); err != nil {
		return fmt.Errorf("create ledger table %s: %w", s.table, err)
	}
	return nil
}

// Record appends an outcome. Recording the same round twice is a no-op.
func (s *Store) Record(ctx context.Context, outcome auction.Outcome) error {
	standings, err := encodeStandings(outcome.Standings)
	if err != nil {
		return err
	}

	var winner sql.NullString
	if outcome.HasWinner {
		winner = sql.NullString{String: outcome.WinnerID, Valid: true}
	}

	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.insertSQL(),
			outcome.RoundID,
			outcome.Number,
			outcome.HasWinner,
			winner,
			outcome.WinningAmount,
			standings,
			outcome.StartedAt,
			outcome.FinalizedAt,
		)
		if err != nil {
			return fmt.Errorf("insert round %s: %w", outcome.RoundID, err)
		}
		return nil
	})
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.recentSQL(), limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			winner    sql.NullString
			standings pqtype.NullRawMessage
		)
		if err := rows.Scan(
			&e.RoundID, &e.RoundNumber, &e.HasWinner, &winner, &e.WinningAmount,
			&standings, &e.StartedAt, &e.FinalizedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.WinnerID = winner.String
		if standings.Valid {
			if err := json.Unmarshal(standings.RawMessage, &e.Standings); err != nil {
				return nil, fmt.Errorf("decode standings for round %s: %w", e.RoundID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeStandings(standings []auction.Standing) (pqtype.NullRawMessage, error) {
	if len(standings) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	data, err := json.Marshal(standings)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("encode standings: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

// runInTx executes fn inside a transaction, rolling back on error.
func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
