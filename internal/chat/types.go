package chat

// MessageType classifies a message body.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeGif      MessageType = "gif"
	TypeSticker  MessageType = "sticker"
	TypeReaction MessageType = "reaction"
)

// Conversation is a single persistent thread between a buyer and a shop.
// UnreadCount reflects the local identity's view of the thread.
type Conversation struct {
	ID            string `json:"id"`
	BuyerID       string `json:"buyer_id"`
	ShopID        string `json:"shop_id"`
	ShopName      string `json:"shop_name,omitempty"`
	LastMessage   string `json:"last_message"`
	LastMessageAt int64  `json:"last_message_at"`
	UnreadCount   int    `json:"unread_count"`
}

// Counterparty returns the participant that is not selfID.
func (c *Conversation) Counterparty(selfID string) string {
	if c.BuyerID == selfID {
		return c.ShopID
	}
	return c.BuyerID
}

// Message is one entry in a conversation. Timestamps are Unix milliseconds.
// A Pending message is a client-synthesized optimistic record that has not
// been confirmed by the server yet; its ID is a locally generated temp id.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	ReceiverID     string         `json:"receiver_id"`
	SenderName     string         `json:"sender_name,omitempty"`
	Body           string         `json:"body"`
	Type           MessageType    `json:"type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IsRead         bool           `json:"is_read"`
	IsEdited       bool           `json:"is_edited"`
	EditedAt       int64          `json:"edited_at,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	Pending        bool           `json:"-"`
}

// Before reports whether m sorts before other: by CreatedAt, ties by ID.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// PresenceStatus is a participant's coarse availability.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is one row of the presence table, last-write-wins per user.
// TypingIn carries the conversation id the user is typing in, or "".
type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	TypingIn string         `json:"typing_in,omitempty"`
	LastSeen int64          `json:"last_seen"`
}

// Cursor tracks backward pagination through one conversation's history.
// Offset counts messages already fetched from the newest end; it only
// grows as older pages are loaded and is reset when the thread is reopened.
type Cursor struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}
