package events

import (
	"context"
	"encoding/json"
	"time"
)

// Transition is published after a lifecycle transition commits.
type Transition struct {
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	CustomerID int64     `json:"customer_id"`
	DriverID   int64     `json:"driver_id,omitempty"`
	Actor      string    `json:"actor"`
	At         time.Time `json:"at"`
}

// Publisher ships transitions to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Transition) error { return nil }
func (Nop) Close() error                              { return nil }

// Multi fans a transition out to several publishers and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, t Transition) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func encode(t Transition) ([]byte, error) {
	return json.Marshal(t)
}
