package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ===========================
// Database
// ===========================

const (
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDatabaseRecordFail  = "Failed to record delivery: %v"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			song_key TEXT NOT NULL,
			locator TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			title TEXT,
			artist TEXT,
			duration_seconds INTEGER DEFAULT 0,
			bytes INTEGER DEFAULT 0,
			elapsed_ms INTEGER DEFAULT 0,
			from_cache INTEGER DEFAULT 0,
			delivered_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		_ = DB.Close()
	}
}

func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx,
		`INSERT INTO bot_config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

// DeliveryRecord is one row of the delivery history behind /music stats.
type DeliveryRecord struct {
	SongKey   string
	Locator   string
	ChannelID string
	Title     string
	Artist    string
	Duration  time.Duration
	Bytes     int64
	Elapsed   time.Duration
	FromCache bool
}

func RecordDelivery(ctx context.Context, r *DeliveryRecord) error {
	if DB == nil {
		return nil
	}
	fromCache := 0
	if r.FromCache {
		fromCache = 1
	}
	_, err := DB.ExecContext(ctx,
		`INSERT INTO deliveries (song_key, locator, channel_id, title, artist, duration_seconds, bytes, elapsed_ms, from_cache)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SongKey, r.Locator, r.ChannelID, r.Title, r.Artist,
		int64(r.Duration.Seconds()), r.Bytes, r.Elapsed.Milliseconds(), fromCache)
	return err
}

// DeliveryStats summarizes the history for one channel (or all channels when
// channelID is empty).
type DeliveryStats struct {
	Total      int64
	FromCache  int64
	TotalBytes int64
	TopTitles  []string
}

func GetDeliveryStats(ctx context.Context, channelID string) (*DeliveryStats, error) {
	stats := &DeliveryStats{}

	where, args := "", []any{}
	if channelID != "" {
		where = " WHERE channel_id = ?"
		args = append(args, channelID)
	}

	row := DB.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(from_cache), 0), COALESCE(SUM(bytes), 0) FROM deliveries"+where, args...)
	if err := row.Scan(&stats.Total, &stats.FromCache, &stats.TotalBytes); err != nil {
		return nil, err
	}

	rows, err := DB.QueryContext(ctx,
		`SELECT title || ' - ' || artist AS t, COUNT(*) AS n FROM deliveries`+where+
			` GROUP BY t ORDER BY n DESC, MAX(delivered_at) DESC LIMIT 5`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var title string
		var n int64
		if err := rows.Scan(&title, &n); err != nil {
			continue
		}
		stats.TopTitles = append(stats.TopTitles, fmt.Sprintf("%s (×%d)", strings.TrimSuffix(title, " - "), n))
	}
	return stats, rows.Err()
}
