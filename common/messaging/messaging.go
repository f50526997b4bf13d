// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow services to publish and subscribe to messages
// without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Reply is an optional subject for request/reply patterns.
	// When set, the receiver can publish a response to this subject.
	Reply string

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time
}

// MessageHandler processes a received message.
// Return an error to indicate processing failure (may trigger retry depending on implementation).
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	// Unsubscribe stops receiving messages on this subscription.
	Unsubscribe() error

	// Subject returns the subject this subscription is listening to.
	Subject() string

	// IsValid returns true if the subscription is still active.
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishJSON marshals data to JSON and publishes it to the subject.
	PublishJSON(ctx context.Context, subject string, data interface{}) error
}

// Subscriber subscribes to subjects.
type Subscriber interface {
	// Subscribe creates a subscription to the specified subject.
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load-balanced processing.
	// Messages are delivered to exactly one member of the queue group.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)
}

// Client combines publishing and subscribing with lifecycle management.
type Client interface {
	Publisher
	Subscriber

	// Close releases all resources held by the client.
	Close() error

	// IsConnected returns true if the client is connected to the broker.
	IsConnected() bool
}
