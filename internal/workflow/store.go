package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/qms/model"
)

// RecordStore persists the record collection of each record type. Writes
// replace the whole collection.
type RecordStore interface {
	// Load returns every record of type t in insertion order. A type with no
	// records yet yields an empty slice.
	Load(ctx context.Context, t model.RecordType) ([]model.Record, error)

	// SaveAll replaces the collection of type t. It returns CONFLICT when two
	// records share an identifier and leaves the stored collection untouched
	// on any failure.
	SaveAll(ctx context.Context, t model.RecordType, records []model.Record) error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// checkUnique rejects collections in which an identifier repeats.
func checkUnique(records []model.Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			return model.NewConflictError(fmt.Sprintf("record %q already exists", r.ID))
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// FindRecord returns the index of the record with the given ID, or -1.
func FindRecord(records []model.Record, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// FilterRecords applies status and initiator filters, then the offset and
// limit window. A zero limit returns everything after the offset.
func FilterRecords(records []model.Record, f model.RecordFilters) []model.Record {
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Initiator != "" && r.Initiator.Name != f.Initiator {
			continue
		}
		out = append(out, r)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []model.Record{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}
