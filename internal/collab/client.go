package collab

import (
	"context"
	"sync"
	"sync/atomic"

	"coedit/api/internal/ot"
)

type DeliveryKind string

const (
	DeliverySnapshot DeliveryKind = "snapshot"
	DeliveryEdit     DeliveryKind = "edit"
	DeliveryAck      DeliveryKind = "ack"
	DeliveryPresence DeliveryKind = "presence"
)

// Delivery is one message bound for a client, in the order the room
// produced it.
type Delivery struct {
	Kind DeliveryKind
	// Edit is set for edit and ack deliveries.
	Edit ot.Committed
	// Seq echoes the submitter's sequence number on acks.
	Seq      int64
	Snapshot *Snapshot
	Presence *Presence
}

type Snapshot struct {
	DocumentID   string
	Content      string
	Version      int64
	LastEditedBy string
}

type Cursor struct {
	ClientID string `json:"clientId"`
	AuthorID string `json:"authorId"`
	Pos      int    `json:"pos"`
}

type Presence struct {
	DocumentID   string   `json:"documentId"`
	Version      int64    `json:"version"`
	Authors      []string `json:"authors"`
	LastEditedBy string   `json:"lastEditedBy"`
	Cursors      []Cursor `json:"cursors"`
}

// Client is one live connection attached to a room. The transport reads
// from it with Next until it returns an error.
type Client struct {
	ID         string
	AuthorID   string
	DocumentID string

	// replay is filled under the room lock before the client is handed out
	// and only read by Next afterwards.
	replay []Delivery
	queue  chan Delivery

	done      chan struct{}
	closeOnce sync.Once
	err       error

	version atomic.Int64
}

func newClient(id, authorID, documentID string, queueSize int) *Client {
	return &Client{
		ID:         id,
		AuthorID:   authorID,
		DocumentID: documentID,
		queue:      make(chan Delivery, queueSize),
		done:       make(chan struct{}),
	}
}

// Next blocks until the next delivery, the client is closed, or ctx ends.
// Replayed history comes first, then live traffic.
func (c *Client) Next(ctx context.Context) (Delivery, error) {
	select {
	case <-c.done:
		return Delivery{}, c.err
	default:
	}
	if len(c.replay) > 0 {
		d := c.replay[0]
		c.replay = c.replay[1:]
		c.observe(d)
		return d, nil
	}
	select {
	case d := <-c.queue:
		c.observe(d)
		return d, nil
	case <-c.done:
		return Delivery{}, c.err
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Done is closed once the room drops the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client was closed, or nil while it is live.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LastVersion is the highest version handed to the reader so far.
func (c *Client) LastVersion() int64 {
	return c.version.Load()
}

func (c *Client) observe(d Delivery) {
	switch d.Kind {
	case DeliveryEdit, DeliveryAck:
		c.version.Store(d.Edit.Version)
	case DeliverySnapshot:
		c.version.Store(d.Snapshot.Version)
	}
}

// offer never blocks; false means the queue is full.
func (c *Client) offer(d Delivery) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.queue <- d:
		return true
	default:
		return false
	}
}

func (c *Client) close(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
