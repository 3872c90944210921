package ledger

import (
	"context"
	"iter"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// Subscribe yields events with Seq >= fromSeq in order, reading pages from
// the event store. The sequence ends at the head observed when iteration
// starts, so it is always finite; resume from the last seen Seq + 1 to pick
// up later events. A store or context error is yielded once and ends the
// sequence.
func (l *Ledger) Subscribe(ctx context.Context, fromSeq uint64) iter.Seq2[interfaces.Event, error] {
	return func(yield func(interfaces.Event, error) bool) {
		limit := l.Head()
		next := max(fromSeq, 1)

		for next <= limit {
			if err := ctx.Err(); err != nil {
				yield(interfaces.Event{}, err)
				return
			}

			page, err := l.store.Read(ctx, next, l.pageSize)
			if err != nil {
				yield(interfaces.Event{}, err)
				return
			}
			if len(page) == 0 {
				return
			}

			for _, ev := range page {
				if ev.Seq > limit {
					return
				}
				if !yield(ev, nil) {
					return
				}
				next = ev.Seq + 1
			}
		}
	}
}

// Events returns up to limit events starting at fromSeq.
func (l *Ledger) Events(ctx context.Context, fromSeq uint64, limit int) ([]interfaces.Event, error) {
	var events []interfaces.Event
	if limit <= 0 {
		return events, nil
	}
	for ev, err := range l.Subscribe(ctx, fromSeq) {
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}
