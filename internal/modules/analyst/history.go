package analyst

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"
)

// HistoryStore persists price ticks in one SQLite file per symbol so the
// price window survives restarts.
type HistoryStore struct {
	dir string
	log zerolog.Logger
}

// PricePoint is one persisted tick.
type PricePoint struct {
	TS    string  `json:"ts"`
	Price float64 `json:"price"`
}

// NewHistoryStore creates a store rooted at dir.
func NewHistoryStore(dir string, log zerolog.Logger) *HistoryStore {
	return &HistoryStore{
		dir: dir,
		log: log.With().Str("component", "history_store").Logger(),
	}
}

// SaveBatch appends points to the symbol's history file.
func (h *HistoryStore) SaveBatch(symbol string, points []PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	db, err := h.open(symbol)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin history batch for %s: %w", symbol, err)
	}

	stmt, err := tx.Prepare("INSERT INTO prices (ts, price) VALUES (?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare history insert for %s: %w", symbol, err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(p.TS, p.Price); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert history point for %s: %w", symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history batch for %s: %w", symbol, err)
	}

	h.log.Debug().Str("symbol", symbol).Int("points", len(points)).Msg("History batch saved")
	return nil
}

// LoadRecent returns the newest prices oldest-first, ready to seed a window.
func (h *HistoryStore) LoadRecent(symbol string, limit int) ([]float64, error) {
	db, err := h.open(symbol)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT price FROM prices ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", symbol, err)
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var price float64
		if err := rows.Scan(&price); err != nil {
			return nil, fmt.Errorf("scan history point for %s: %w", symbol, err)
		}
		prices = append(prices, price)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history for %s: %w", symbol, err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
		prices[i], prices[j] = prices[j], prices[i]
	}
	return prices, nil
}

// open opens the symbol's history file, creating the table on first use.
func (h *HistoryStore) open(symbol string) (*sql.DB, error) {
	// Symbol to file name: BTC-USD -> BTC_USD.db
	fileSymbol := strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(symbol)
	dbPath := filepath.Join(h.dir, fileSymbol+".db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database for %s: %w", symbol, err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS prices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			price REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_prices_ts ON prices(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure history schema for %s: %w", symbol, err)
	}

	return db, nil
}
