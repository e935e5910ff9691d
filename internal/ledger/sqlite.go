package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	createNonceTable = `
CREATE TABLE IF NOT EXISTS claim_nonce (
  scope TEXT NOT NULL,
  nonce TEXT NOT NULL,
  state INTEGER NOT NULL,
  updated_at_unix INTEGER NOT NULL,
  PRIMARY KEY (scope, nonce)
);`
)

// SQLite is a durable single-host Ledger. The (scope, nonce) primary key is
// the check-and-set: a second INSERT for the same pair fails.
type SQLite struct {
	db *sqlx.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open nonce ledger database: %w", err)
	}
	// One connection keeps the per-connection pragmas below in force and
	// serializes writers inside the process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", int64(sqliteBusyTimeout/time.Millisecond)),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cannot set sqlite database parameter: %w", err)
		}
	}
	if _, err := db.Exec(createNonceTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot create claim_nonce table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scopeText(scope common.Address) string { return strings.ToLower(scope.Hex()) }

func (s *SQLite) State(ctx context.Context, scope common.Address, nonce *big.Int) (State, error) {
	var st int
	err := s.db.GetContext(ctx, &st,
		`SELECT state FROM claim_nonce WHERE scope = ? AND nonce = ?`,
		scopeText(scope), nonce.String())
	if errors.Is(err, sql.ErrNoRows) {
		return StateUnseen, nil
	}
	if err != nil {
		return StateUnseen, fmt.Errorf("select nonce: %w", err)
	}
	return State(st), nil
}

func (s *SQLite) Reserve(ctx context.Context, scope common.Address, nonce *big.Int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claim_nonce (scope, nonce, state, updated_at_unix) VALUES (?, ?, ?, ?)`,
		scopeText(scope), nonce.String(), int(StateSettling), time.Now().Unix())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrNonceAlreadyUsed
		}
		return fmt.Errorf("reserve nonce: %w", err)
	}
	return nil
}

func (s *SQLite) Commit(ctx context.Context, scope common.Address, nonce *big.Int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claim_nonce SET state = ?, updated_at_unix = ? WHERE scope = ? AND nonce = ? AND state = ?`,
		int(StateConsumed), time.Now().Unix(), scopeText(scope), nonce.String(), int(StateSettling))
	if err != nil {
		return fmt.Errorf("commit nonce: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLite) Release(ctx context.Context, scope common.Address, nonce *big.Int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM claim_nonce WHERE scope = ? AND nonce = ? AND state = ?`,
		scopeText(scope), nonce.String(), int(StateSettling))
	if err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}
