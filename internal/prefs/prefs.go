// Package prefs persists user preferences in a local sqlite key-value table.
// Every read has a declared default; a nil store answers defaults and drops
// writes, so callers never branch on whether persistence is available.
package prefs

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// Well-known preference keys.
const (
	KeySelectedMarket  = "selected_market"
	KeyBaseTokenAcct   = "base_token_account"
	KeyQuoteTokenAcct  = "quote_token_account"
	KeyFeeDiscountKey  = "fee_discount_key"
	KeyMarkPricePolicy = "mark_price_policy"
)

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// Store is a sqlite-backed preference store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the preference database at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open prefs db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init prefs schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the stored value for key, or def when the key is unset or the
// store is nil.
func (s *Store) Get(key, def string) string {
	if s == nil || s.db == nil {
		return def
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def
	}
	if err != nil {
		return def
	}
	return value
}

// Set stores a value for key, replacing any previous one. A nil store drops
// the write silently.
func (s *Store) Set(key, value string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO preferences (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// Delete removes a key, reverting reads to the default.
func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete preference %s: %w", key, err)
	}
	return nil
}

// SelectedMarket returns the persisted market address, or def.
func (s *Store) SelectedMarket(def string) string {
	return s.Get(KeySelectedMarket, def)
}

// SetSelectedMarket persists the market address.
func (s *Store) SetSelectedMarket(addr string) error {
	return s.Set(KeySelectedMarket, addr)
}

// FeeDiscountKey returns the persisted fee-discount token account, empty when
// none is set.
func (s *Store) FeeDiscountKey() string {
	return s.Get(KeyFeeDiscountKey, "")
}

// SetFeeDiscountKey persists the fee-discount token account.
func (s *Store) SetFeeDiscountKey(addr string) error {
	return s.Set(KeyFeeDiscountKey, addr)
}
