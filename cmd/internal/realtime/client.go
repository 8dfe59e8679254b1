package realtime

import (
	"sync"

	v1 "fidelity/shared/contracts/cardfeed/v1"
)

// Client represents one connected operator screen.
//
// Send is never closed by the server so concurrent pushes cannot panic;
// done signals the connection goroutines to stop.
type Client struct {
	SessionID  string
	OperatorID string
	BusinessID string
	Send       chan v1.Envelope

	mu   sync.Mutex
	subs map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID, operatorID, businessID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:  sessionID,
		OperatorID: operatorID,
		BusinessID: businessID,
		Send:       make(chan v1.Envelope, sendQueueSize),
		subs:       make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Subscriptions returns the client ids this connection follows.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

func (c *Client) track(clientID string) (added bool, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[clientID]; ok {
		return false, false
	}
	if len(c.subs) >= maxSubscriptions {
		return false, true
	}
	c.subs[clientID] = struct{}{}
	return true, false
}

func (c *Client) untrack(clientID string) {
	c.mu.Lock()
	delete(c.subs, clientID)
	c.mu.Unlock()
}
