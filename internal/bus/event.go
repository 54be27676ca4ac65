package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name; subscribers filter by namespace prefix (e.g. "message.").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the messaging core.
const (
	// Realtime transport layer.
	KindRTChange       = "rt.change"
	KindRTConnected    = "rt.connected"
	KindRTDisconnected = "rt.disconnected"

	// Message lifecycle.
	KindMessageReceived   = "message.received"
	KindMessageUpdated    = "message.updated"
	KindMessageDeleted    = "message.deleted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	// Conversation registry.
	KindConversationUpdated = "conversation.updated"

	// Open thread buffer.
	KindThreadUpdated    = "thread.updated"
	KindThreadPageLoaded = "thread.page_loaded"

	// Presence.
	KindPresenceChanged = "presence.changed"

	// Notification side-effect for inbound messages outside the open thread.
	KindNotifyMessage = "notify.message"

	// Connection state machine.
	KindStatusChanged = "conn.status_changed"
)
