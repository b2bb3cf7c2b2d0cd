package ops

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/lineage/internal/lineage"
)

// Inspector produces read-only diagnostics over a node's Lineage
// snapshot, served at /v1/debug/dag. It never mutates the cache.
type Inspector struct {
	entryGauge metric.Int64Gauge
	tracer     trace.Tracer
}

// NewInspector builds an Inspector.
func NewInspector(meter metric.Meter) *Inspector {
	entryGauge, _ := meter.Int64Gauge("lineage_debug_entries_by_status")
	return &Inspector{
		entryGauge: entryGauge,
		tracer:     otel.Tracer("lineage-ops"),
	}
}

// Report summarizes one Lineage snapshot.
type Report struct {
	TotalEntries  int            `json:"total_entries"`
	StatusCounts  map[string]int `json:"status_counts"`
	TopoOrder     []string       `json:"topo_order"`
	CycleDetected bool           `json:"cycle_detected"`
	CycleMembers  []string       `json:"cycle_members,omitempty"`
}

// Inspect walks l with Kahn's algorithm restricted to edges whose
// parent is also present in l (a parent absent from the snapshot is
// assumed satisfied elsewhere, per spec.md §4.4.5's "missing entry"
// case — it is not a dependency this walk can or should resolve). A
// non-empty CycleMembers here is a bug report: Invariant D guarantees
// the lineage is a DAG, so this should never trigger in production.
func (ins *Inspector) Inspect(ctx context.Context, l *lineage.Lineage) Report {
	_, span := ins.tracer.Start(ctx, "ops.inspect")
	defer span.End()

	entries := l.Entries()
	report := Report{
		TotalEntries: len(entries),
		StatusCounts: make(map[string]int),
	}

	inDegree := make(map[lineage.EntryID]int, len(entries))
	children := make(map[lineage.EntryID][]lineage.EntryID)
	present := make(map[lineage.EntryID]*lineage.Entry, len(entries))
	for _, e := range entries {
		inDegree[e.ID()] = 0
		present[e.ID()] = e
		report.StatusCounts[e.Status().String()]++
	}
	for _, e := range entries {
		for _, parentID := range e.ParentIDs() {
			if _, ok := present[parentID]; !ok {
				continue
			}
			inDegree[e.ID()]++
			children[parentID] = append(children[parentID], e.ID())
		}
	}

	var queue []lineage.EntryID
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortEntryIDs(queue)

	order := make([]lineage.EntryID, 0, len(entries))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var freed []lineage.EntryID
		for _, childID := range children[id] {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				freed = append(freed, childID)
			}
		}
		sortEntryIDs(freed)
		queue = append(queue, freed...)
		sortEntryIDs(queue)
	}

	for _, id := range order {
		report.TopoOrder = append(report.TopoOrder, id.String())
	}

	if len(order) != len(entries) {
		report.CycleDetected = true
		visited := make(map[lineage.EntryID]struct{}, len(order))
		for _, id := range order {
			visited[id] = struct{}{}
		}
		var members []lineage.EntryID
		for _, e := range entries {
			if _, ok := visited[e.ID()]; !ok {
				members = append(members, e.ID())
			}
		}
		sortEntryIDs(members)
		for _, id := range members {
			report.CycleMembers = append(report.CycleMembers, id.String())
		}
	}

	span.SetAttributes(attribute.Int("total_entries", report.TotalEntries), attribute.Bool("cycle_detected", report.CycleDetected))
	for status, count := range report.StatusCounts {
		ins.entryGauge.Record(ctx, int64(count), metric.WithAttributes(attribute.String("status", status)))
	}

	return report
}

func sortEntryIDs(ids []lineage.EntryID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
