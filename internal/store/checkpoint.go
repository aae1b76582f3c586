package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

const receiptPrefix = "receipt:"

// Checkpoint keys.
const (
	KeyChatsSyncedAt = "chats.synced_at"
)

// ReceiptKey is the sync_state key of a read receipt not yet acknowledged by the server.
func ReceiptKey(chatID int64) string {
	return receiptPrefix + strconv.FormatInt(chatID, 10)
}

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint returns a sync checkpoint value and whether it exists.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// DeleteCheckpoint removes a checkpoint. Missing keys are not an error.
func (db *DB) DeleteCheckpoint(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key)
	return err
}

// PendingReceipts returns the chat ids whose read receipt still has to be sent.
func (db *DB) PendingReceipts(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT key FROM sync_state WHERE key LIKE ? ORDER BY updated_at ASC`, receiptPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(key[len(receiptPrefix):], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Checkpoints returns every checkpoint whose key starts with prefix.
func (db *DB) Checkpoints(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM sync_state WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
