// Package mailbox reads forwarded order mail and keeps per-message pipeline
// state as labels stored on the mail server.
package mailbox

import (
	"context"
	"errors"
	"strings"
)

const (
	LabelProcessed    = "processed"
	LabelUnregistered = "unregistered"
)

var (
	// ErrConnection wraps every dial, TLS and login failure.
	ErrConnection = errors.New("mailbox connection failed")
	ErrNoBody     = errors.New("message has no body")
)

type Message struct {
	UID    uint32
	Labels []string
	Body   string
	// Err is set when the body could not be decoded; Body is then empty.
	Err error
}

func (m Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Session is an authenticated mailbox opened read-write.
type Session interface {
	// Without returns messages that do not carry label, oldest first.
	Without(ctx context.Context, label string) ([]Message, error)
	// With returns messages that carry label, oldest first.
	With(ctx context.Context, label string) ([]Message, error)
	AddLabel(ctx context.Context, uid uint32, label string) error
	RemoveLabel(ctx context.Context, uid uint32, label string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
