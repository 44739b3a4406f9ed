package stream

import "time"

// KeepaliveInterval is the minimum time between keepalive pings.
const KeepaliveInterval = 30 * time.Second

// cursor tracks the outbound side of one stream: the last acknowledged
// sequence, the pending FIFO and the keepalive clock. At most one message is in
// flight; the next one goes out only after an acknowledgement arrives.
type cursor struct {
	lastAck        int
	ackPending     bool
	queue          []OutboundMessage
	keepaliveStart time.Time
	interval       time.Duration
}

func newCursor(channels ChannelSet, interval time.Duration) *cursor {
	queue := make([]OutboundMessage, 0, len(channels)+1)
	queue = append(queue, pingMessage())
	for _, ch := range channels {
		queue = append(queue, subscribeMessage(ch))
	}
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	return &cursor{queue: queue, interval: interval}
}

// head pops the handshake message, stamped with sequence 0.
func (c *cursor) head(now time.Time) (OutboundMessage, bool) {
	c.keepaliveStart = now
	if len(c.queue) == 0 {
		return OutboundMessage{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	msg.I = 0
	return msg, true
}

func (c *cursor) ack(seq int) {
	c.lastAck = seq
	c.ackPending = true
}

// next pops the message to send after an acknowledgement. The pending flag
// survives until something is actually sent.
func (c *cursor) next() (OutboundMessage, bool) {
	if !c.ackPending || len(c.queue) == 0 {
		return OutboundMessage{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	msg.I = c.lastAck + 1
	c.ackPending = false
	return msg, true
}

// keepalive enqueues a ping once interval has elapsed since the previous one.
func (c *cursor) keepalive(now time.Time) bool {
	if now.Sub(c.keepaliveStart) < c.interval {
		return false
	}
	c.queue = append(c.queue, pingMessage())
	c.keepaliveStart = now
	return true
}

func (c *cursor) pending() int {
	return len(c.queue)
}
