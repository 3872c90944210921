// Package publisher relays ledger events to external message systems.
//
// A Relay tails the event log from a persisted cursor and hands every event
// to a Sink, advancing the cursor only once the sink has accepted the event.
// Delivery is at-least-once: after a crash or a failed publish the same
// event may be delivered again, and consumers deduplicate on Seq.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// Sink is a destination for ledger events.
type Sink interface {
	// Publish delivers ev. It must not return before the destination has
	// durably accepted the event.
	Publish(ctx context.Context, ev interfaces.Event) error
	Name() string
	Close() error
}

// Message is the wire form shared by all sinks.
type Message struct {
	Key     string
	Payload []byte
	Headers map[string]string
}

// Encode renders ev as a Message. The key is the account the event is
// about, so per-subject ordering survives partitioned transports.
func Encode(ev interfaces.Event) (Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	return Message{
		Key:     Subject(ev).String(),
		Payload: payload,
		Headers: map[string]string{
			"kind": string(ev.Kind),
			"seq":  strconv.FormatUint(ev.Seq, 10),
			"hash": ev.Hash.Hex(),
		},
	}, nil
}

// Subject returns the account an event is about.
func Subject(ev interfaces.Event) interfaces.Account {
	if ev.Kind == interfaces.IdentityRegistered {
		return ev.Account
	}
	return ev.Holder
}

// MultiSink publishes to every sink in turn. An event counts as published
// only when all sinks accepted it; sinks that already did will see it again
// on retry.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Publish(ctx context.Context, ev interfaces.Event) error {
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil
}

func (m *MultiSink) Name() string {
	return "multi"
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
