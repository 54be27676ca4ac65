package store

import (
	"encoding/json"
	"time"

	"github.com/zhanat1998/arashan-chat/internal/chat"
)

// UpsertMessage inserts or updates a cached message (idempotent on id).
// Optimistic placeholders are never cached; only confirmed records belong
// here.
func (db *DB) UpsertMessage(m *chat.Message) error {
	if m.Pending {
		return nil
	}
	var metadata []byte
	if len(m.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return err
		}
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, sender_name, body, message_type, metadata, is_read, is_edited, edited_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			metadata = excluded.metadata,
			is_read = MAX(is_read, excluded.is_read),
			is_edited = excluded.is_edited,
			edited_at = excluded.edited_at`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.SenderName, m.Body, string(m.Type),
		string(metadata), m.IsRead, m.IsEdited, m.EditedAt, m.CreatedAt)
	return err
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by created_at, newest first.
func (db *DB) ListMessages(convID string, beforeTs int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, sender_name, body, message_type, metadata, is_read, is_edited, edited_at, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var mtype, metadata string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.SenderName, &m.Body, &mtype, &metadata, &m.IsRead, &m.IsEdited, &m.EditedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = chat.MessageType(mtype)
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a tombstoned message from the cache.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// MarkMessagesRead flags cached messages as read. Read state only ever
// moves forward.
func (db *DB) MarkMessagesRead(ids []string) error {
	for _, id := range ids {
		if _, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// CountMessages returns how many messages are cached for a conversation.
func (db *DB) CountMessages(convID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, convID).Scan(&n)
	return n, err
}
