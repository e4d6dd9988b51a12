package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/store"
)

// persist records res as a new run of m and fills res.Changes with what
// differs from the previous run.
func persist(ctx context.Context, s *store.Store, m *sema.Module, protocols *protoinfo.Cache, res *Result) error {
	run, err := s.BeginRun(ctx, m.Name)
	if err != nil {
		return err
	}

	res.Run = run

	prev, hasPrev, err := s.LatestRun(ctx, m.Name, run.ID)
	if err != nil {
		return err
	}

	for _, f := range res.Functions {
		if err := s.SaveDecisions(ctx, run.ID, f.Name, f.Decisions); err != nil {
			return err
		}

		if !hasPrev {
			continue
		}

		old, err := s.Decisions(ctx, prev.ID, f.Name)
		if err != nil {
			return err
		}

		res.Changes = append(res.Changes, diffDecisions("function "+f.Name, old, f.Decisions)...)
	}

	for _, p := range m.Protocols {
		if !p.RequiresWitnessTable() {
			continue
		}

		entries := layoutEntries(protocols.Full(p))
		if err := s.SaveProtocolLayout(ctx, run.ID, p.Name, entries); err != nil {
			return err
		}

		if !hasPrev {
			continue
		}

		old, err := s.ProtocolLayout(ctx, prev.ID, p.Name)
		if err != nil {
			return err
		}

		if old != nil && !equalStrings(old, entries) {
			res.Changes = append(res.Changes, Change{
				Unit:   "protocol " + p.Name,
				Item:   "layout",
				Before: strings.Join(old, ", "),
				After:  strings.Join(entries, ", "),
			})
		}
	}

	current := make(map[string]store.WitnessTable, len(res.Tables))

	for _, wt := range res.Tables {
		data, err := wt.Descriptor.Encode()
		if err != nil {
			return fmt.Errorf("descriptor of %s: %w", wt.Conformance, err)
		}

		rec := store.WitnessTable{
			Conformance: wt.Conformance.Key(),
			Size:        wt.Layout.NumWitnesses,
			Private:     wt.Layout.NumPrivate,
			Descriptor:  data,
		}

		if err := s.SaveWitnessTable(ctx, run.ID, rec); err != nil {
			return err
		}

		current[rec.Conformance] = rec
	}

	if !hasPrev {
		return nil
	}

	old, err := s.WitnessTables(ctx, prev.ID)
	if err != nil {
		return err
	}

	for _, before := range old {
		after, ok := current[before.Conformance]
		if !ok || after.Size == before.Size && after.Private == before.Private {
			continue
		}

		res.Changes = append(res.Changes, Change{
			Unit:   "conformance " + before.Conformance,
			Item:   "table size",
			Before: tableShape(before),
			After:  tableShape(after),
		})
	}

	return nil
}

func tableShape(wt store.WitnessTable) string {
	return fmt.Sprintf("%d+%d words", wt.Size, wt.Private)
}

func layoutEntries(info *protoinfo.Info) []string {
	out := make([]string, info.NumWitnesses())
	for i, e := range info.Entries() {
		out[i] = e.String()
	}

	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func describeDecision(d store.Decision) string {
	if d.Explicit {
		return "explicit"
	}

	return fmt.Sprintf("source %d via %s", d.Source, d.Path)
}

// diffDecisions compares decisions by requirement.
func diffDecisions(unit string, before, after []store.Decision) []Change {
	old := make(map[string]store.Decision, len(before))
	for _, d := range before {
		old[d.Requirement] = d
	}

	var out []Change

	for _, d := range after {
		prev, ok := old[d.Requirement]
		delete(old, d.Requirement)

		switch {
		case !ok:
			out = append(out, Change{Unit: unit, Item: d.Requirement, Before: "absent", After: describeDecision(d)})
		case prev.Explicit != d.Explicit || prev.Source != d.Source || !prev.Path.Equal(d.Path):
			out = append(out, Change{Unit: unit, Item: d.Requirement, Before: describeDecision(prev), After: describeDecision(d)})
		}
	}

	for _, d := range before {
		if _, gone := old[d.Requirement]; gone {
			out = append(out, Change{Unit: unit, Item: d.Requirement, Before: describeDecision(d), After: "absent"})
		}
	}

	return out
}
