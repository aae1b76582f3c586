package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const messageColumns = `id, group_id, sender_id, sender_name, sender_avatar, type, content, metadata,
	reply_to_id, reply_to_content, reply_to_type, reply_to_sender, is_forwarded, is_deleted,
	reactions, created_at, status`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var metadata, reactions string
	if err := row.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Type, &m.Content, &metadata,
		&m.ReplyToID, &m.ReplyToContent, &m.ReplyToType, &m.ReplyToSender, &m.IsForwarded, &m.IsDeleted,
		&reactions, &m.CreatedAt, &m.Status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %d: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions of %d: %w", m.ID, err)
	}
	return &m, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

// upsertMessageTx inserts m if its id is new. For an existing id only the
// mutable fields change: status never regresses, reactions are replaced and
// is_deleted is sticky. Ids hidden by a local delete are skipped.
// Reports whether a new row was inserted.
func upsertMessageTx(ctx context.Context, tx *sql.Tx, m *Message) (bool, error) {
	var hidden bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM hidden_messages WHERE id = ?)`, m.ID).Scan(&hidden); err != nil {
		return false, err
	}
	if hidden {
		return false, nil
	}

	status := m.Status
	if status < StatusSent || status > StatusRead {
		status = StatusSent
	}
	content, metadata := m.Content, m.Metadata
	if m.IsDeleted {
		content, metadata = "", nil
	}
	metaJSON, err := encodeJSON(metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}
	reactJSON, err := encodeJSON(m.Reactions.normalize())
	if err != nil {
		return false, fmt.Errorf("encode reactions: %w", err)
	}

	if err := ensureChat(ctx, tx, m.GroupID); err != nil {
		return false, fmt.Errorf("ensure chat %d: %w", m.GroupID, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.GroupID, m.SenderID, m.SenderName, m.SenderAvatar, m.Type, content, metaJSON,
		m.ReplyToID, m.ReplyToContent, m.ReplyToType, m.ReplyToSender, m.IsForwarded, m.IsDeleted,
		reactJSON, m.CreatedAt, status)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET
			status = MAX(status, ?),
			reactions = ?,
			is_deleted = MAX(is_deleted, ?),
			content = CASE WHEN MAX(is_deleted, ?) = 1 THEN '' ELSE content END,
			metadata = CASE WHEN MAX(is_deleted, ?) = 1 THEN '{}' ELSE metadata END
		WHERE id = ?`,
		status, reactJSON, m.IsDeleted, m.IsDeleted, m.IsDeleted, m.ID)
	return false, err
}

// Preview returns the chat-list preview text and type for m.
func Preview(m *Message) (string, string) {
	if m.IsDeleted {
		return "", "deleted"
	}
	text := m.Content
	if m.Type != TypeText {
		if caption, ok := m.Metadata["caption"].(string); ok && caption != "" {
			text = caption
		}
	}
	return truncate(text, 100), m.Type
}

// bumpPreview moves the chat preview to the stored copy of m if it is at
// least as new as the current one. Hidden ids have no stored copy and are skipped.
func bumpPreview(ctx context.Context, tx *sql.Tx, m *Message) error {
	stored, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, m.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	text, typ := Preview(stored)
	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET last_message = ?, last_message_type = ?, last_message_time = ?, updated_at = ?
		WHERE id = ? AND last_message_time <= ?`,
		text, typ, stored.CreatedAt, time.Now().UnixMilli(), stored.GroupID, stored.CreatedAt)
	return err
}

// UpsertMessage stores one message and updates the owning chat's preview in
// the same transaction.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := upsertMessageTx(ctx, tx, m); err != nil {
			return fmt.Errorf("upsert message %d: %w", m.ID, err)
		}
		return bumpPreview(ctx, tx, m)
	})
}

// ApplySentMessage stores the server's record of a message this device just
// sent and moves the chat preview to it.
func (db *DB) ApplySentMessage(ctx context.Context, m *Message) error {
	if m.Status < StatusSent {
		m.Status = StatusSent
	}
	return db.UpsertMessage(ctx, m)
}

// UpsertMessages stores a page of messages atomically. Returns how many ids were new.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) (int, error) {
	inserted := 0
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for i := range msgs {
			isNew, err := upsertMessageTx(ctx, tx, &msgs[i])
			if err != nil {
				return fmt.Errorf("upsert message %d: %w", msgs[i].ID, err)
			}
			if isNew {
				inserted++
			}
			if err := bumpPreview(ctx, tx, &msgs[i]); err != nil {
				return fmt.Errorf("bump preview: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ApplyIncoming stores a pushed message. When countUnread is set and the row
// is new, unread and not authored by viewerID, the chat's unread count grows by one.
func (db *DB) ApplyIncoming(ctx context.Context, m *Message, viewerID int64, countUnread bool) (bool, error) {
	var isNew bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		isNew, err = upsertMessageTx(ctx, tx, m)
		if err != nil {
			return fmt.Errorf("upsert message %d: %w", m.ID, err)
		}
		if err := bumpPreview(ctx, tx, m); err != nil {
			return fmt.Errorf("bump preview: %w", err)
		}
		if isNew && countUnread && m.SenderID != viewerID && m.Status != StatusRead {
			if _, err := tx.ExecContext(ctx, `UPDATE chats SET unread_count = unread_count + 1 WHERE id = ?`, m.GroupID); err != nil {
				return fmt.Errorf("bump unread: %w", err)
			}
		}
		return nil
	})
	return isNew, err
}

// QueryMessagesPage returns messages of a chat newest first. Ties on
// created_at are broken by id so pages are stable under concurrent inserts.
func (db *DB) QueryMessagesPage(ctx context.Context, groupID int64, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE group_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, groupID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountMessages returns how many messages of a chat are stored locally.
func (db *DB) CountMessages(ctx context.Context, groupID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE group_id = ?`, groupID).Scan(&n)
	return n, err
}

// GetMessage returns a message by id, or nil if it is not stored.
func (db *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// SetMessageStatus advances a message's status; lower values are ignored.
func (db *DB) SetMessageStatus(ctx context.Context, id int64, s Status) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET status = MAX(status, ?) WHERE id = ?`, s, id)
	return err
}

// ApplyReactions replaces a message's reactions. Reports whether the row exists.
func (db *DB) ApplyReactions(ctx context.Context, id int64, r Reactions) (bool, error) {
	reactJSON, err := encodeJSON(r.normalize())
	if err != nil {
		return false, fmt.Errorf("encode reactions: %w", err)
	}
	res, err := db.ExecContext(ctx, `UPDATE messages SET reactions = ? WHERE id = ?`, reactJSON, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TombstoneMessage soft-deletes a message in place: content is cleared, the
// row and its reply snapshot remain. Reports whether the row exists.
func (db *DB) TombstoneMessage(ctx context.Context, id int64) (bool, error) {
	found := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_deleted = 1, content = '', metadata = '{}' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("tombstone %d: %w", id, err)
		}
		m.IsDeleted = true
		return refreshPreviewIfLatest(ctx, tx, m)
	})
	return found, err
}

// DeleteMessageLocal removes a message row for this device only and remembers
// the id so later fetches do not restore it.
func (db *DB) DeleteMessageLocal(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hidden_messages (id, hidden_at) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING`, id, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("hide %d: %w", id, err)
		}
		if m == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete %d: %w", id, err)
		}
		return rebuildPreviewIfLatest(ctx, tx, m)
	})
}

// refreshPreviewIfLatest rewrites the chat preview from m when m is the
// message the preview currently shows.
func refreshPreviewIfLatest(ctx context.Context, tx *sql.Tx, m *Message) error {
	text, typ := Preview(m)
	_, err := tx.ExecContext(ctx, `
		UPDATE chats SET last_message = ?, last_message_type = ?
		WHERE id = ? AND last_message_time = ?`, text, typ, m.GroupID, m.CreatedAt)
	return err
}

// rebuildPreviewIfLatest points the preview at the newest remaining message
// after the previewed one was removed.
func rebuildPreviewIfLatest(ctx context.Context, tx *sql.Tx, removed *Message) error {
	var latest int64
	if err := tx.QueryRowContext(ctx, `SELECT last_message_time FROM chats WHERE id = ?`, removed.GroupID).Scan(&latest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if latest != removed.CreatedAt {
		return nil
	}
	next, err := scanMessage(tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE group_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, removed.GroupID))
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx, `UPDATE chats SET last_message = '', last_message_type = '' WHERE id = ?`, removed.GroupID)
		return err
	}
	if err != nil {
		return err
	}
	text, typ := Preview(next)
	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET last_message = ?, last_message_type = ?, last_message_time = ? WHERE id = ?`,
		text, typ, next.CreatedAt, removed.GroupID)
	return err
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
