package bus

import (
	"time"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// UserID is the stable identifier the assistant keys state by.
func (m *InboundMessage) UserID() string {
	return m.Channel + ":" + m.SenderID
}

type OutboundMessage struct {
	Channel   string
	ChatID    string
	Content   string
	Proactive bool
	Metadata  map[string]any
}
