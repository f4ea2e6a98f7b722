package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types published on document and signature lifecycle changes.
const (
	DocumentRegistered = "document.registered"
	DocumentDeleted    = "document.deleted"
	SignatureIssued    = "signature.issued"
	SignatureStamped   = "signature.stamped"
	SignatureRevoked   = "signature.revoked"
)

// Event is the envelope sent to subscribers. Tokens are never included.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	DocumentHandle string    `json:"documentHandle"`
	SignatureID    string    `json:"signatureId,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	SignerIdentity string    `json:"signerIdentity,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher delivers lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

func encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
