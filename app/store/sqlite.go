package store

import (
	"database/sql"
	"os"
	"path"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/command-feed/app/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS command_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	item_uuid   TEXT NOT NULL UNIQUE,
	timestamp   TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	user_id     TEXT NOT NULL,
	username    TEXT NOT NULL,
	command     TEXT NOT NULL,
	output      TEXT NOT NULL,
	test_item   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_command_history_ts ON command_history (ts);

CREATE TABLE IF NOT EXISTS authors (
	user_id     TEXT PRIMARY KEY,
	username    TEXT NOT NULL,
	commands    INTEGER NOT NULL DEFAULT 0,
	last_seen   TEXT NOT NULL,
	last_ts     INTEGER NOT NULL
);
`

// SQLite store keeps history in command_history table
type SQLite struct {
	db *sqlx.DB
}

type historyRow struct {
	UUID      string `db:"item_uuid"`
	Timestamp string `db:"timestamp"`
	UserID    string `db:"user_id"`
	Username  string `db:"username"`
	Command   string `db:"command"`
	Output    string `db:"output"`
	TestItem  bool   `db:"test_item"`
}

type authorRow struct {
	UserID   string `db:"user_id"`
	Username string `db:"username"`
	Commands int    `db:"commands"`
	LastSeen string `db:"last_seen"`
}

const historyColumns = "item_uuid, timestamp, user_id, username, command, output, test_item"

// NewSQLite opens (or creates) sqlite db file and sets up schema
func NewSQLite(dbFile string) (*SQLite, error) {
	log.Printf("[INFO] sqlite (persistent) store, %s", dbFile)
	if err := os.MkdirAll(path.Dir(dbFile), 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to make directory for %s", dbFile)
	}

	db, err := sqlx.Connect("sqlite", dbFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", dbFile)
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to set up database")
	}
	return &SQLite{db: db}, nil
}

// Save inserts item and updates author. Returns created=false for already stored uuid
func (s *SQLite) Save(item models.FeedItem) (created bool, err error) {
	if err = item.Validate(); err != nil {
		return false, err
	}
	ts, _ := item.Time()

	tx, err := s.db.Beginx()
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil || !created {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.Exec(`INSERT INTO command_history (item_uuid, timestamp, ts, user_id, username, command, output, test_item)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(item_uuid) DO NOTHING`,
		item.UUID, item.Timestamp, ts.UnixNano(), item.AuthorID, item.AuthorName,
		item.CommandName, item.CommandOutput, item.TestItem)
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert %s", item.UUID)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}

	_, err = tx.Exec(`INSERT INTO authors (user_id, username, commands, last_seen, last_ts) VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			commands = authors.commands + 1,
			last_seen = CASE WHEN excluded.last_ts > authors.last_ts THEN excluded.last_seen ELSE authors.last_seen END,
			last_ts = MAX(authors.last_ts, excluded.last_ts)`,
		item.AuthorID, item.AuthorName, item.Timestamp, ts.UnixNano())
	if err != nil {
		return false, errors.Wrapf(err, "failed to update author %s", item.AuthorID)
	}

	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit")
	}
	created = true
	log.Printf("[DEBUG] saved item %s, command %q by %s", item.UUID, item.CommandName, item.AuthorID)
	return created, nil
}

// Recent returns up to count latest items, newest first
func (s *SQLite) Recent(count int, filter models.TestFilter) ([]models.FeedItem, error) {
	res := []models.FeedItem{}
	if count <= 0 {
		return res, nil
	}

	where := ""
	switch filter {
	case models.TestExclude:
		where = "WHERE test_item = 0"
	case models.TestOnly:
		where = "WHERE test_item = 1"
	}

	rows := []historyRow{}
	query := "SELECT " + historyColumns + " FROM command_history " + where + " ORDER BY ts DESC, id DESC LIMIT ?"
	if err := s.db.Select(&rows, query, count); err != nil {
		return nil, errors.Wrap(err, "failed to load recent items")
	}
	for _, r := range rows {
		res = append(res, r.item())
	}
	return res, nil
}

// Get item by uuid
func (s *SQLite) Get(uuid string) (models.FeedItem, error) {
	row := historyRow{}
	err := s.db.Get(&row, "SELECT "+historyColumns+" FROM command_history WHERE item_uuid = ?", uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FeedItem{}, ErrNotFound
	}
	if err != nil {
		return models.FeedItem{}, errors.Wrapf(err, "failed to get %s", uuid)
	}
	return row.item(), nil
}

// Authors returns all known authors, ordered by id
func (s *SQLite) Authors() ([]models.Author, error) {
	rows := []authorRow{}
	if err := s.db.Select(&rows, "SELECT user_id, username, commands, last_seen FROM authors ORDER BY user_id"); err != nil {
		return nil, errors.Wrap(err, "failed to load authors")
	}
	res := make([]models.Author, 0, len(rows))
	for _, r := range rows {
		res = append(res, models.Author{ID: r.UserID, Name: r.Username, Commands: r.Commands, LastSeen: r.LastSeen})
	}
	return res, nil
}

// RemoveOld removes old items, keeps up to keep latest. Zero or negative keep disables removal
func (s *SQLite) RemoveOld(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`DELETE FROM command_history WHERE id NOT IN
		(SELECT id FROM command_history ORDER BY ts DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, errors.Wrap(err, "failed to remove old items")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close sqlite db
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (r historyRow) item() models.FeedItem {
	return models.FeedItem{
		UUID:          r.UUID,
		Timestamp:     r.Timestamp,
		AuthorID:      r.UserID,
		AuthorName:    r.Username,
		CommandName:   r.Command,
		CommandOutput: r.Output,
		TestItem:      r.TestItem,
	}
}
