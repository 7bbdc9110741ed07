package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drcloud/drcloud/pkg/protocol"
)

// Request is a control-plane envelope bound for a channel, with the latest
// status nodes reported for it.
type Request struct {
	Seq       int64           `json:"seq"`
	ID        uuid.UUID       `json:"uuid"`
	Channel   string          `json:"channel"`
	Sender    string          `json:"sender"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"t"`
	Body      []byte          `json:"-"`
	Status    protocol.Status `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is an envelope a node sent back. Request is the first envelope it
// refers to, if any.
type Event struct {
	Seq       int64     `json:"seq"`
	ID        uuid.UUID `json:"uuid"`
	Request   uuid.UUID `json:"request"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"t"`
	Body      []byte    `json:"-"`
}

// Filter narrows Refresh. Zero fields match everything.
type Filter struct {
	Channel string
	Sender  string
	Status  protocol.Status
	Limit   int
}

// Store is the request/event store the control plane syncs against.
type Store interface {
	// Submit stores requests not seen before and returns those, along with
	// events recorded since the previous call.
	Submit(ctx context.Context, requests []Request) ([]Request, []Event, error)

	// Refresh returns the requests matching f, oldest first.
	Refresh(ctx context.Context, f Filter) ([]Request, error)

	// AwaitChanges blocks until an event arrives that Submit has not yet
	// returned, or timeout passes. It reports whether one arrived.
	AwaitChanges(ctx context.Context, timeout time.Duration) (bool, error)
}

// NewRequest wraps e as a request. The envelope is marshaled, so it must be
// valid.
func NewRequest(e *protocol.Envelope) (Request, error) {
	body, err := protocol.Marshal(e)
	if err != nil {
		return Request{}, err
	}
	return Request{
		ID:        e.ID,
		Channel:   e.Channel,
		Sender:    e.Sender,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Body:      body,
		Status:    protocol.StatusWaiting,
	}, nil
}

// Envelope decodes the request body.
func (r Request) Envelope() (*protocol.Envelope, error) {
	return protocol.Unmarshal(r.Body)
}

// Envelope decodes the event body.
func (e Event) Envelope() (*protocol.Envelope, error) {
	return protocol.Unmarshal(e.Body)
}

// statusOf extracts the request status an envelope reports, if any.
func statusOf(e *protocol.Envelope) (protocol.Status, bool) {
	switch m := e.Data.(type) {
	case *protocol.RunStatus:
		return m.Status, true
	case *protocol.NetStatus:
		switch m.Status {
		case protocol.NetFinished:
			return protocol.StatusSuccess, true
		case protocol.NetFailed:
			return protocol.StatusFailed, true
		default:
			return protocol.Status(m.Status), true
		}
	case *protocol.NetState:
		return protocol.StatusSuccess, true
	default:
		return "", false
	}
}
