package attachments

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/picochat/picochat/pkg/protocol"
	_ "modernc.org/sqlite"
)

// index is the SQLite table mapping file IDs to their metadata.
type index struct {
	conn *sql.DB
}

type indexRow struct {
	meta       *protocol.FileMessage
	compressed bool
}

func openIndex(path string) (*index, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	// SQLite allows a single writer; serialize through one connection
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := conn.Exec(`
CREATE TABLE IF NOT EXISTS Attachment (
	file_id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	room TEXT NOT NULL,
	author_nickname TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &index{conn: conn}, nil
}

func (ix *index) insert(ctx context.Context, meta *protocol.FileMessage, compressed bool) error {
	_, err := ix.conn.ExecContext(ctx, `
INSERT INTO Attachment (file_id, message_id, room, author_nickname, file_name, file_size, compressed, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.FileID, meta.ID, meta.Room, meta.Name, meta.FileName, meta.FileSize, compressed, meta.UtcTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", meta.FileID, err)
	}
	return nil
}

func (ix *index) delete(ctx context.Context, fileID string) error {
	_, err := ix.conn.ExecContext(ctx, `DELETE FROM Attachment WHERE file_id = ?`, fileID)
	return err
}

// loadAll reads every indexed attachment.
func (ix *index) loadAll(ctx context.Context) ([]indexRow, error) {
	rows, err := ix.conn.QueryContext(ctx, `
SELECT file_id, message_id, room, author_nickname, file_name, file_size, compressed, created_at
FROM Attachment`)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var out []indexRow
	for rows.Next() {
		var (
			meta      protocol.FileMessage
			createdAt int64
			row       indexRow
		)
		if err := rows.Scan(&meta.FileID, &meta.ID, &meta.Room, &meta.Name, &meta.FileName, &meta.FileSize, &row.compressed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		meta.UtcTime = time.UnixMilli(createdAt).UTC()
		row.meta = &meta
		out = append(out, row)
	}
	return out, rows.Err()
}

func (ix *index) close() error {
	return ix.conn.Close()
}
