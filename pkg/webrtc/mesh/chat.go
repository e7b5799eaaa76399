package mesh

import "sync"

// ChatMessage is one relayed chat line.
type ChatMessage struct {
	SenderID   string
	SenderName string
	Text       string
}

// ChatLog keeps chat lines in relay receipt order for the lifetime of a
// session. Lines are never deduplicated.
type ChatLog struct {
	mu       sync.Mutex
	selfID   string
	messages []ChatMessage
	unread   int
}

// SetSelf records the local participant id; its own lines never count as unread.
func (c *ChatLog) SetSelf(id string) {
	c.mu.Lock()
	c.selfID = id
	c.mu.Unlock()
}

// Append adds a received line.
func (c *ChatLog) Append(msg ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	if msg.SenderID != c.selfID {
		c.unread++
	}
}

// Messages returns a copy of the log.
func (c *ChatLog) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.messages...)
}

// Len returns the number of lines received.
func (c *ChatLog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Unread counts lines from other participants since the last MarkRead.
func (c *ChatLog) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// MarkRead clears the unread count.
func (c *ChatLog) MarkRead() {
	c.mu.Lock()
	c.unread = 0
	c.mu.Unlock()
}
