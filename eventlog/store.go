package eventlog

import "errors"

// DefaultPageSize bounds a single Read when the caller passes limit <= 0.
const DefaultPageSize = 512

var errStoreClosed = errors.New("event store closed")

// window converts a 1-based fromSeq and a limit into a half-open slice range
// over a log of length head.
func window(fromSeq uint64, limit int, head uint64) (uint64, uint64) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	start := fromSeq - 1
	if start >= head {
		return head, head
	}
	end := start + uint64(limit)
	if end > head {
		end = head
	}
	return start, end
}
