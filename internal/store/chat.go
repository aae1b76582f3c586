package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const chatColumns = `id, name, type, icon_url, role, last_message, last_message_type,
	last_message_time, unread_count, read_through, is_pinned, pinned_at,
	COALESCE(mute_until, ''), notification_tone, vibration_enabled, vibration_intensity`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	var typ string
	if err := row.Scan(&c.ID, &c.Name, &typ, &c.IconURL, &c.Role, &c.LastMessage, &c.LastMessageType,
		&c.LastMessageTime, &c.UnreadCount, &c.ReadThrough, &c.IsPinned, &c.PinnedAt,
		&c.MuteUntil, &c.NotificationTone, &c.VibrationEnabled, &c.VibrationIntensity); err != nil {
		return nil, err
	}
	c.Type = ChatType(typ)
	return &c, nil
}

// upsertChatSQL only writes server-owned columns. The unread count from the
// server is ignored when the snapshot is not newer than the last local read.
const upsertChatSQL = `
	INSERT INTO chats (id, name, type, icon_url, role, last_message, last_message_type, last_message_time, unread_count, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
		type = excluded.type,
		icon_url = excluded.icon_url,
		role = CASE WHEN excluded.role != '' THEN excluded.role ELSE chats.role END,
		last_message = CASE WHEN excluded.last_message_time >= chats.last_message_time THEN excluded.last_message ELSE chats.last_message END,
		last_message_type = CASE WHEN excluded.last_message_time >= chats.last_message_time THEN excluded.last_message_type ELSE chats.last_message_type END,
		last_message_time = MAX(chats.last_message_time, excluded.last_message_time),
		unread_count = CASE
			WHEN chats.read_through > 0 AND excluded.last_message_time <= chats.read_through THEN chats.unread_count
			ELSE excluded.unread_count END,
		updated_at = excluded.updated_at`

// UpsertChat inserts a chat or updates its server-owned fields.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	return db.UpsertChats(ctx, []Chat{*c})
}

// UpsertChats applies a chat list snapshot in a single transaction.
func (db *DB) UpsertChats(ctx context.Context, chats []Chat) error {
	now := time.Now().UnixMilli()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range chats {
			typ := c.Type
			if typ == "" {
				typ = ChatGroup
			}
			if _, err := tx.ExecContext(ctx, upsertChatSQL,
				c.ID, c.Name, string(typ), c.IconURL, c.Role, c.LastMessage, c.LastMessageType,
				c.LastMessageTime, max(c.UnreadCount, 0), now); err != nil {
				return fmt.Errorf("upsert chat %d: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ensureChat creates a placeholder row so messages for an unknown chat can be stored.
func ensureChat(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chats (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UnixMilli())
	return err
}

// QueryChatsOrdered returns all chats, pinned first, then by last message time descending.
func (db *DB) QueryChatsOrdered(ctx context.Context) ([]Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY is_pinned DESC, last_message_time DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if it does not exist.
func (db *DB) GetChat(ctx context.Context, id int64) (*Chat, error) {
	c, err := scanChat(db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// DeleteChatLocal removes a chat, its messages and its pending receipt.
func (db *DB) DeleteChatLocal(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete chat %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, ReceiptKey(id)); err != nil {
			return fmt.Errorf("delete receipt %d: %w", id, err)
		}
		return nil
	})
}

// SetPinned pins or unpins a chat. Pinning a fifth chat returns ErrPinLimit.
func (db *DB) SetPinned(ctx context.Context, id int64, pinned bool) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var current bool
		err := tx.QueryRowContext(ctx, `SELECT is_pinned FROM chats WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chat %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if current == pinned {
			return nil
		}
		if !pinned {
			_, err := tx.ExecContext(ctx, `UPDATE chats SET is_pinned = 0, pinned_at = 0 WHERE id = ?`, id)
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE is_pinned = 1`).Scan(&count); err != nil {
			return err
		}
		if count >= MaxPinned {
			return ErrPinLimit
		}
		_, err = tx.ExecContext(ctx, `UPDATE chats SET is_pinned = 1, pinned_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
		return err
	})
}

// RepairPins unpins every chat beyond the MaxPinned earliest pinned ones.
// Returns the number of chats unpinned.
func (db *DB) RepairPins(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE chats SET is_pinned = 0, pinned_at = 0
		WHERE is_pinned = 1 AND id NOT IN (
			SELECT id FROM chats WHERE is_pinned = 1 ORDER BY pinned_at ASC, id ASC LIMIT ?
		)`, MaxPinned)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetChatRole records the viewer's role in a chat.
func (db *DB) SetChatRole(ctx context.Context, id int64, role string) error {
	res, err := db.ExecContext(ctx, `UPDATE chats SET role = ?, updated_at = ? WHERE id = ?`, role, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	return nil
}

// MuteChat sets mute_until. An empty until clears the mute.
func (db *DB) MuteChat(ctx context.Context, id int64, until string) error {
	return db.SetLocalChatSetting(ctx, id, SettingMuteUntil, until)
}

// SetLocalChatSetting mutates one device-local chat field.
func (db *DB) SetLocalChatSetting(ctx context.Context, id int64, field Setting, value any) error {
	var column string
	var arg any

	switch field {
	case SettingPinned:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants bool, got %T", ErrInvalidSetting, field, value)
		}
		return db.SetPinned(ctx, id, v)
	case SettingNotificationTone:
		v, ok := value.(string)
		if !ok || v == "" {
			return fmt.Errorf("%w: %s wants a tone name", ErrInvalidSetting, field)
		}
		column, arg = "notification_tone", v
	case SettingVibrationEnabled:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants bool, got %T", ErrInvalidSetting, field, value)
		}
		column, arg = "vibration_enabled", v
	case SettingVibrationIntensity:
		v, ok := value.(int)
		if !ok || v < 0 || v > 100 {
			return fmt.Errorf("%w: %s wants an int in 0..100", ErrInvalidSetting, field)
		}
		column, arg = "vibration_intensity", v
	case SettingMuteUntil:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants string, got %T", ErrInvalidSetting, field, value)
		}
		switch v {
		case "":
			column, arg = "mute_until", nil
		case MuteAlways:
			column, arg = "mute_until", v
		default:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("%w: mute_until %q: %v", ErrInvalidSetting, v, err)
			}
			column, arg = "mute_until", v
		}
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidSetting, field)
	}

	res, err := db.ExecContext(ctx, `UPDATE chats SET `+column+` = ? WHERE id = ?`, arg, id)
	if err != nil {
		return fmt.Errorf("set %s: %w", field, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAllReadExceptSelf advances every message in the chat not authored by
// viewerID to read, zeroes the unread count and moves the read watermark.
// Returns the number of messages whose status changed.
func (db *DB) MarkAllReadExceptSelf(ctx context.Context, groupID, viewerID int64) (int64, error) {
	var changed int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?
			WHERE group_id = ? AND sender_id != ? AND status < ?`,
			StatusRead, groupID, viewerID, StatusRead)
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		changed, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `
			UPDATE chats SET unread_count = 0, read_through = MAX(read_through, last_message_time)
			WHERE id = ?`, groupID); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		return nil
	})
	return changed, err
}
