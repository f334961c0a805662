package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ContextCarrier is the immutable per-run metadata threaded into every node.
// It is never merged into run state and never mutated after run start; nodes
// read it, they do not write it. Credential values are referenced by name
// only - resolution happens in the application layer.
type ContextCarrier struct {
	UserID          string
	SessionID       string
	ThreadID        string
	RequestID       string
	Language        string
	Debug           bool
	CredentialNames []string
	Query           string
	ReceivedAt      time.Time
}

// NewContextCarrier builds a carrier for one run. Missing identifiers are
// filled with generated UUIDs so every run is individually traceable.
func NewContextCarrier(userID, sessionID, threadID, query string) *ContextCarrier {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if threadID == "" {
		threadID = uuid.New().String()
	}
	return &ContextCarrier{
		UserID:     userID,
		SessionID:  sessionID,
		ThreadID:   threadID,
		RequestID:  uuid.New().String(),
		Language:   "ko",
		Query:      query,
		ReceivedAt: time.Now(),
	}
}

// HasCredential reports whether the carrier references a credential by name.
func (c *ContextCarrier) HasCredential(name string) bool {
	for _, n := range c.CredentialNames {
		if n == name {
			return true
		}
	}
	return false
}

type carrierKey struct{}

// WithCarrier attaches the carrier to a context.
func WithCarrier(ctx context.Context, c *ContextCarrier) context.Context {
	return context.WithValue(ctx, carrierKey{}, c)
}

// CarrierFrom extracts the carrier from a context. Returns nil when absent.
func CarrierFrom(ctx context.Context) *ContextCarrier {
	c, _ := ctx.Value(carrierKey{}).(*ContextCarrier)
	return c
}
