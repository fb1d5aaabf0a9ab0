// Package report aggregates record collections into dashboard statistics,
// renders record listings as CSV, XLSX or PDF, and refreshes the record
// gauges on a cron schedule.
package report

import (
	"time"

	"github.com/pitabwire/qms/model"
)

// Status labels counted by the dashboard.
const (
	statusOpen            = "Open"
	statusPending         = "Pending"
	statusPendingApproval = "Pending Approval"
)

// Statistics is the cross-type dashboard summary.
type Statistics struct {
	TotalOpen       int                                 `json:"total_open"`
	TotalClosed     int                                 `json:"total_closed"`
	PendingApproval int                                 `json:"pending_approval"`
	Overdue         int                                 `json:"overdue"`
	ByType          map[model.RecordType]map[string]int `json:"by_type"`
	GeneratedAt     time.Time                           `json:"generated_at"`
}

// Compute summarises collections. Types without a definition are counted
// but never considered overdue, since their final statuses are unknown.
func Compute(defs []model.RecordTypeDefinition, collections map[model.RecordType][]model.Record, now time.Time) Statistics {
	byDef := make(map[model.RecordType]model.RecordTypeDefinition, len(defs))
	for _, d := range defs {
		byDef[d.Type] = d
	}

	stats := Statistics{
		ByType:      make(map[model.RecordType]map[string]int, len(collections)),
		GeneratedAt: now,
	}
	for t, records := range collections {
		counts := make(map[string]int)
		def, known := byDef[t]
		for _, r := range records {
			counts[r.Status]++

			switch r.Status {
			case statusOpen, statusPending:
				stats.TotalOpen++
			case model.StatusClosed:
				stats.TotalClosed++
			case statusPendingApproval:
				stats.PendingApproval++
			}

			if known && isOverdue(def, r, now) {
				stats.Overdue++
			}
		}
		stats.ByType[t] = counts
	}
	return stats
}

// Counts flattens ByType into string keys for the record gauge.
func (s Statistics) Counts() map[string]map[string]int {
	out := make(map[string]map[string]int, len(s.ByType))
	for t, byStatus := range s.ByType {
		out[string(t)] = byStatus
	}
	return out
}

func isOverdue(def model.RecordTypeDefinition, r model.Record, now time.Time) bool {
	if r.DueDate == nil || def.IsFinalStatus(r.Status) {
		return false
	}
	return r.DueDate.Before(now)
}
