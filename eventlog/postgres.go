package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

const pgUniqueViolation = "23505"

// Timestamps are stored as unix nanoseconds; timestamptz would drop the
// sub-microsecond part that the event hash commits to.
const createEventsTable = `
	CREATE TABLE IF NOT EXISTS ledger_events (
		seq             BIGINT PRIMARY KEY,
		kind            TEXT   NOT NULL,
		account         BYTEA  NOT NULL,
		did             TEXT   NOT NULL,
		issuer          BYTEA  NOT NULL,
		holder          BYTEA  NOT NULL,
		credential_hash BYTEA  NOT NULL,
		ts_unix_nano    BIGINT NOT NULL,
		prev_hash       BYTEA  NOT NULL,
		hash            BYTEA  NOT NULL
	)
`

// PostgresStore persists events in the ledger_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db and creates the events table if needed.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("create ledger_events table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Append inserts the event if it directly follows the stored head. The
// check and the insert run in one transaction; concurrent writers racing on
// the same seq are resolved by the primary key.
func (s *PostgresStore) Append(ctx context.Context, event interfaces.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&head); err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if want := uint64(head) + 1; event.Seq != want {
		return fmt.Errorf("%w: got seq %d, expected %d", interfaces.ErrSequenceGap, event.Seq, want)
	}

	query := `
		INSERT INTO ledger_events (
			seq, kind, account, did, issuer, holder,
			credential_hash, ts_unix_nano, prev_hash, hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.ExecContext(ctx, query,
		int64(event.Seq),
		string(event.Kind),
		event.Account[:],
		string(event.DID),
		event.Issuer[:],
		event.Holder[:],
		event.CredentialHash[:],
		event.Timestamp.UnixNano(),
		event.PrevHash[:],
		event.Hash[:],
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: seq %d already stored", interfaces.ErrSequenceGap, event.Seq)
		}
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, fromSeq uint64, limit int) ([]interfaces.Event, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := `
		SELECT seq, kind, account, did, issuer, holder,
			   credential_hash, ts_unix_nano, prev_hash, hash
		FROM ledger_events
		WHERE seq >= $1
		ORDER BY seq ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, int64(fromSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]interfaces.Event, error) {
	var events []interfaces.Event

	for rows.Next() {
		var (
			ev                                interfaces.Event
			seq, ts                           int64
			kind, did                         string
			account, issuer, holder, credHash []byte
			prevHash, hash                    []byte
		)
		err := rows.Scan(&seq, &kind, &account, &did, &issuer, &holder, &credHash, &ts, &prevHash, &hash)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		ev.Seq = uint64(seq)
		ev.Kind = interfaces.EventKind(kind)
		ev.DID = interfaces.DID(did)
		copy(ev.Account[:], account)
		copy(ev.Issuer[:], issuer)
		copy(ev.Holder[:], holder)
		copy(ev.CredentialHash[:], credHash)
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.PrevHash = common.BytesToHash(prevHash)
		ev.Hash = common.BytesToHash(hash)

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
