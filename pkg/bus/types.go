package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies an event kind by (category, name). Categories
// partition the identifier space so independently developed bits cannot
// collide. Two MessageTypes are equal iff their String() forms are equal.
type MessageType struct {
	category string
	name     string
}

// NewMessageType creates a MessageType. It is meant to be called once per
// event kind at package initialization and panics on malformed input.
func NewMessageType(category, name string) MessageType {
	if category == "" || name == "" {
		panic("bus: message type requires both category and name")
	}
	if strings.Contains(category, ".") {
		panic(fmt.Sprintf("bus: category %q must not contain '.'", category))
	}
	return MessageType{category: category, name: name}
}

// Category returns the namespace part of the type.
func (t MessageType) Category() string { return t.category }

// Name returns the event name within the category.
func (t MessageType) Name() string { return t.name }

// String returns "category.name".
func (t MessageType) String() string {
	return t.category + "." + t.name
}

// IsZero reports whether t was never initialized.
func (t MessageType) IsZero() bool {
	return t.category == "" && t.name == ""
}

// Metadata is attached to every published message.
type Metadata struct {
	CreatedAt     time.Time `json:"created_at"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// NewMetadata stamps a fresh correlation id and creation time.
func NewMetadata(source string) Metadata {
	return Metadata{
		CreatedAt:     time.Now(),
		CorrelationID: uuid.NewString(),
		Source:        source,
	}
}

// CausedBy returns a copy of m recording parent as its cause.
func (m Metadata) CausedBy(parent Metadata) Metadata {
	m.CausationID = parent.CorrelationID
	return m
}

// Message is what handlers receive. Every handler of a single publish gets
// the same Payload value.
type Message struct {
	Type     MessageType
	Payload  any
	Metadata Metadata
}

// String returns a human-readable representation for logging.
func (m Message) String() string {
	return fmt.Sprintf("Message{Type: %s, CorrelationID: %s, Source: %s}",
		m.Type, m.Metadata.CorrelationID, m.Metadata.Source)
}

// PublishOption customizes a single publish.
type PublishOption func(*Metadata)

// WithMetadata replaces the generated metadata entirely.
func WithMetadata(md Metadata) PublishOption {
	return func(m *Metadata) { *m = md }
}

// WithSource tags the message with the publishing component.
func WithSource(source string) PublishOption {
	return func(m *Metadata) { m.Source = source }
}

// WithCause links the message to the message that triggered it.
func WithCause(parent Metadata) PublishOption {
	return func(m *Metadata) { m.CausationID = parent.CorrelationID }
}
