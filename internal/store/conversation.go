package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/zhanat1998/arashan-chat/internal/chat"
)

// UpsertConversation inserts or updates a cached conversation summary.
func (db *DB) UpsertConversation(c *chat.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, buyer_id, shop_id, shop_name, last_message, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			shop_name = excluded.shop_name,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.BuyerID, c.ShopID, c.ShopName, c.LastMessage, c.LastMessageAt, c.UnreadCount, now)
	return err
}

// ListConversations returns cached conversations sorted by last activity
// descending.
func (db *DB) ListConversations(limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, buyer_id, shop_id, shop_name, last_message, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.BuyerID, &c.ShopID, &c.ShopName, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single cached conversation, or nil if absent.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	var c chat.Conversation
	err := db.QueryRow(`
		SELECT id, buyer_id, shop_id, shop_name, last_message, last_message_at, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.BuyerID, &c.ShopID, &c.ShopName, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReplaceConversations swaps the cached list for the server's view in one
// transaction.
func (db *DB) ReplaceConversations(convs []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, buyer_id, shop_id, shop_name, last_message, last_message_at, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.BuyerID, c.ShopID, c.ShopName, c.LastMessage, c.LastMessageAt, c.UnreadCount, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
