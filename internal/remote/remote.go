// Package remote defines the narrow boundary to the excluded collaborators:
// the protocol client that actually fetches pages and resolves entities, and
// the sink that receives finished records. The core only ever talks to them
// through these interfaces, always wrapped by the connection manager.
package remote

import (
	"context"

	"github.com/histflow/histflow/internal/record"
)

// Cursor addresses a position inside a chunk's identifier sub-range.
// The zero value is not a valid cursor; a cursor with Next >= End is done.
type Cursor struct {
	// Next is the first identifier not yet fetched.
	Next uint64
	// End is the exclusive upper bound of the range being paged.
	End uint64
}

// Done reports whether the cursor has exhausted its range.
func (c Cursor) Done() bool {
	return c.Next >= c.End
}

// Entity is a resolved cross-record reference (e.g., a message sender).
type Entity struct {
	ID    uint64
	Name  string
	Attrs map[string]string
}

// PageFetcher fetches one bounded page of records starting at a cursor.
// Implementations are supplied by the protocol-client collaborator.
// Returned records must have ascending ids within [cursor.Next, cursor.End).
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor Cursor, pageSize int) ([]record.Record, Cursor, error)
}

// BatchResolver resolves a batch of distinct entity ids in one remote call.
type BatchResolver interface {
	ResolveBatch(ctx context.Context, ids []uint64) (map[uint64]Entity, error)
}

// Sink receives finished records in strictly ascending id order. Supplied by
// the output-formatting collaborator.
type Sink interface {
	Write(rec record.Record) error
}
