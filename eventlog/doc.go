// Package eventlog provides durable storage for the ledger's append-only,
// hash-chained event log.
//
// Three EventStore implementations are available, selected by URI through
// Open:
//
//   - memory://            in-process, lost on exit (tests, demos)
//   - file:///path/x.jsonl append-only JSON lines, fsynced per event
//   - postgres://...       table ledger_events keyed by sequence number
//
// Every store enforces gapless sequence numbers on Append. Chain integrity
// (PrevHash links and recomputed hashes) is checked by VerifyChain.
package eventlog
