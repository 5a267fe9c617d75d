package redemption

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteSet is the durable default backend. The primary key on tx_hash
// plus INSERT OR IGNORE inside one transaction gives the atomic
// check-and-insert.
type SQLiteSet struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the redemption database at path.
func OpenSQLite(path string) (*SQLiteSet, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing redemption db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS redemptions(
  tx_hash    TEXT NOT NULL PRIMARY KEY,
  request_id TEXT NOT NULL,
  redeemed_at_unix_ms INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000)
);
`); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Single writer connection keeps insert+read atomic without busy
	// retries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteSet{db: db}, nil
}

func (s *SQLiteSet) Redeem(ctx context.Context, txHash, requestID string) (Outcome, error) {
	key := normalizeHash(txHash)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AlreadyRedeemedOther, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO redemptions(tx_hash, request_id) VALUES(?, ?)
ON CONFLICT(tx_hash) DO NOTHING
`, key, requestID)
	if err != nil {
		return AlreadyRedeemedOther, err
	}

	inserted, _ := res.RowsAffected()
	if inserted == 1 {
		if err := tx.Commit(); err != nil {
			return AlreadyRedeemedOther, err
		}
		return Redeemed, nil
	}

	var existing string
	if err := tx.QueryRowContext(ctx, `
SELECT request_id FROM redemptions WHERE tx_hash = ?
`, key).Scan(&existing); err != nil {
		return AlreadyRedeemedOther, err
	}
	if err := tx.Commit(); err != nil {
		return AlreadyRedeemedOther, err
	}

	if existing == requestID {
		return AlreadyRedeemedSame, nil
	}
	return AlreadyRedeemedOther, nil
}

func (s *SQLiteSet) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
