package shorts

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const collectionSQL = `
CREATE TABLE IF NOT EXISTS collections (
    user_id      TEXT NOT NULL,
    shorts_url   TEXT NOT NULL,
    shorts_title TEXT NOT NULL,
    collected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, shorts_url)
);
`

// Item is one collected video.
type Item struct {
	URL   string `db:"shorts_url"`
	Title string `db:"shorts_title"`
}

// Collection stores which user collected which video.
type Collection struct {
	db *sqlx.DB
}

func OpenCollection(path string) (*Collection, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open collection db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(collectionSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate collection db: %w", err)
	}
	return &Collection{db: db}, nil
}

func (c *Collection) Close() error {
	return c.db.Close()
}

// Add records that userID collected url. It reports false when the user
// already had it.
func (c *Collection) Add(ctx context.Context, userID, url, title string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collections (user_id, shorts_url, shorts_title) VALUES (?, ?, ?)`,
		userID, url, title)
	if err != nil {
		return false, fmt.Errorf("insert collection item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns the user's items in the order they were collected.
func (c *Collection) List(ctx context.Context, userID string) ([]Item, error) {
	var items []Item
	err := c.db.SelectContext(ctx, &items,
		`SELECT shorts_url, shorts_title FROM collections WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	return items, nil
}
