package eventlog

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// VerifyChain checks that events form a contiguous, correctly hashed chain
// whose first element links to prev. It returns the hash of the last event,
// or prev if events is empty.
func VerifyChain(events []interfaces.Event, prev common.Hash) (common.Hash, error) {
	for i, ev := range events {
		if i > 0 && ev.Seq != events[i-1].Seq+1 {
			return prev, fmt.Errorf("%w: seq %d follows %d", interfaces.ErrSequenceGap, ev.Seq, events[i-1].Seq)
		}
		if !ev.Kind.Valid() {
			return prev, fmt.Errorf("%w: seq %d has unknown kind %q", interfaces.ErrBrokenChain, ev.Seq, ev.Kind)
		}
		if ev.PrevHash != prev {
			return prev, fmt.Errorf("%w: seq %d links to %s, expected %s", interfaces.ErrBrokenChain, ev.Seq, ev.PrevHash, prev)
		}
		if computed := ev.ComputeHash(); computed != ev.Hash {
			return prev, fmt.Errorf("%w: seq %d hash %s does not match contents %s", interfaces.ErrBrokenChain, ev.Seq, ev.Hash, computed)
		}
		prev = ev.Hash
	}
	return prev, nil
}
