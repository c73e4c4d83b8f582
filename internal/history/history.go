package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/infra/fsx"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	series        TEXT NOT NULL,
	episode       INTEGER NOT NULL,
	platform      TEXT NOT NULL,
	link          TEXT NOT NULL,
	filename      TEXT NOT NULL,
	downloaded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_series ON downloads(series, episode);
`

// Entry 是 history 中的一行（一行对应一个落盘文件）。
type Entry struct {
	ID       int64     `json:"id"`
	Series   string    `json:"series"`
	Episode  int       `json:"episode"`
	Platform string    `json:"platform"`
	Link     string    `json:"link"`
	Filename string    `json:"filename"`
	At       time.Time `json:"at"`
}

// DB 是下载历史（sqlite）。只追加，不参与“是否为新集”的判断。
type DB struct {
	db   *sql.DB
	path string
}

// Open 打开（必要时创建）history 数据库。
func Open(path string) (*DB, error) {
	if err := fsx.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

func (h *DB) Close() error { return h.db.Close() }

func (h *DB) Path() string { return h.path }

// Record 写入一次成功下载；多文件时每个文件一行，在同一事务内完成。
func (h *DB) Record(ctx context.Context, rec domain.DownloadRecord) error {
	files := rec.Files
	if len(files) == 0 {
		files = []string{domain.UnknownFilename}
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO downloads (series, episode, platform, link, filename, downloaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Series, rec.Episode, rec.Platform, rec.Link, f, at.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return tx.Commit()
}

// Recent 返回最近的 limit 条记录（新的在前）；series 非空时只看该 series。
func (h *DB) Recent(ctx context.Context, series string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, series, episode, platform, link, filename, downloaded_at FROM downloads`
	args := []any{}
	if series != "" {
		q += ` WHERE series = ?`
		args = append(args, series)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.ID, &e.Series, &e.Episode, &e.Platform, &e.Link, &e.Filename, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
