package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/manifest"
	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/store"
)

const moduleYAML = `
module: Swift
protocols:
  - name: Eq
    members:
      - method: equals
  - name: Hashable
    inherits: [Eq]
    members:
      - method: hash
  - name: Sendable
    kind: marker
  - name: Collection
    members:
      - associated_type: Element
      - associated_type: Index
      - method: count
    associated_conformances:
      - {path: Self.Index, protocol: Eq}
nominals:
  - name: Int
  - name: String
  - name: Array
    generics:
      params: [Element]
  - name: Dictionary
    generics:
      params: [Key, Value]
      requirements: ["Key: Hashable"]
conformances:
  - type: Int
    protocol: Eq
    methods: {equals: Int.equals}
  - type: Int
    protocol: Hashable
    methods: {hash: Int.hash}
  - type: Int
    protocol: Sendable
  - type: Array
    protocol: Collection
    methods: {count: Array.count}
    type_witnesses: {Element: Element, Index: Int}
  - type: Array<Element>
    protocol: Eq
    conditional: ["Element: Eq"]
    methods: {equals: Array.equals}
functions:
  - name: contains
    generics:
      params: [C]
      requirements: ["C: Collection", "C.Element: Eq"]
    params:
      - {name: c, type: C, indirect: true}
      - {name: e, type: C.Element, indirect: true}
  - name: firstOf
    generics:
      params: [T]
    params:
      - {name: a, type: Array<T>.Type}
  - name: lookup
    generics:
      params: [K, V]
      requirements: ["K: Hashable"]
    params:
      - {name: d, type: "Dictionary<K, V>.Type"}
specializations:
  - function: contains
    substitutions: {C: "Array<Int>"}
  - function: firstOf
    substitutions: {T: Int}
  - function: lookup
    substitutions: {K: Int, V: String}
`

func parse(t *testing.T, src string) *sema.Module {
	t.Helper()

	m, err := manifest.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Expected manifest to parse, got %v", err)
	}

	return m
}

func function(res *Result, name string) *FunctionResult {
	for i := range res.Functions {
		if res.Functions[i].Name == name {
			return &res.Functions[i]
		}
	}

	return nil
}

func TestRun(t *testing.T) {
	res, err := Run(context.Background(), parse(t, moduleYAML), Options{MaxConcurrency: 2, Verify: true})
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}

	if len(res.Tables) != 4 {
		t.Fatalf("Expected 4 witness tables (marker conformance skipped), got %d", len(res.Tables))
	}

	for _, wt := range res.Tables {
		if wt.Conformance.Protocol.Name == "Sendable" {
			t.Errorf("Expected no table for %s", wt.Conformance)
		}
	}

	if res.Verified != 5 {
		t.Errorf("Expected 2 accessors and 3 call sites verified, got %d", res.Verified)
	}

	for _, sym := range []string{"@contains", "@firstOf", "@lookup", "@contains.call0", "@firstOf.call1", "@lookup.call2"} {
		if res.Module.Function(sym) == nil {
			t.Errorf("Expected %s in the module", sym)
		}
	}

	contains := function(res, "contains")
	if contains == nil {
		t.Fatal("Expected a result for contains")
	}

	if len(contains.Signature) < 3 || contains.Signature[0] != "%c" || contains.Signature[1] != "%e" {
		t.Errorf("Expected formal parameters first, got %v", contains.Signature)
	}

	for _, d := range contains.Decisions {
		if !d.Explicit {
			t.Errorf("Expected %s to be passed explicitly, got source %d", d.Requirement, d.Source)
		}
	}

	firstOf := function(res, "firstOf")
	if len(firstOf.Decisions) != 1 {
		t.Fatalf("Expected one decision for firstOf, got %v", firstOf.Decisions)
	}

	if d := firstOf.Decisions[0]; d.Explicit || d.Requirement != "metadata T" || d.Path.String() != "nominal_type_argument[0]" {
		t.Errorf("Expected metadata T from the array's first argument, got %+v (%s)", d, d.Path)
	}

	if len(firstOf.Signature) != 1 {
		t.Errorf("Expected no extra parameters for firstOf, got %v", firstOf.Signature)
	}

	lookup := function(res, "lookup")
	for _, d := range lookup.Decisions {
		if d.Explicit || d.Source != 0 {
			t.Errorf("Expected %s from the dictionary metadata, got %+v", d.Requirement, d)
		}
	}

	listing := res.Listing()
	if !strings.Contains(listing, "@contains") || !strings.Contains(listing, "ret void") {
		t.Errorf("Expected the listing to show the lowered functions, got:\n%s", listing)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	m := parse(t, moduleYAML)

	first, err := Run(context.Background(), m, Options{MaxConcurrency: 1})
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}

	second, err := Run(context.Background(), parse(t, moduleYAML), Options{MaxConcurrency: 8})
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}

	if first.Listing() != second.Listing() {
		t.Error("Expected the same listing regardless of concurrency")
	}
}

func TestRunRecordsChanges(t *testing.T) {
	ctx := context.Background()

	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Expected store to open, got %v", err)
	}
	defer s.Close()

	first, err := Run(ctx, parse(t, moduleYAML), Options{Store: s})
	if err != nil {
		t.Fatalf("Expected first run to succeed, got %v", err)
	}

	if len(first.Changes) != 0 {
		t.Errorf("Expected no changes on the first run, got %v", first.Changes)
	}

	again, err := Run(ctx, parse(t, moduleYAML), Options{Store: s})
	if err != nil {
		t.Fatalf("Expected second run to succeed, got %v", err)
	}

	if len(again.Changes) != 0 || again.Run.ID == first.Run.ID {
		t.Errorf("Expected a new run with no changes, got %v", again.Changes)
	}

	edited := strings.Replace(moduleYAML, "{name: a, type: Array<T>.Type}", "{name: a, type: T.Type}", 1)

	changed, err := Run(ctx, parse(t, edited), Options{Store: s})
	if err != nil {
		t.Fatalf("Expected edited run to succeed, got %v", err)
	}

	var found bool
	for _, c := range changed.Changes {
		if c.Unit == "function firstOf" && c.Item == "metadata T" {
			found = true

			if c.Before != "source 0 via nominal_type_argument[0]" || c.After != "source 0 via <source>" {
				t.Errorf("Expected the path to shrink to the source, got %s", c)
			}
		}
	}

	if !found {
		t.Errorf("Expected a change for metadata T of firstOf, got %v", changed.Changes)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		target error
	}{
		{
			name:   "extra specialization",
			src:    moduleYAML + "  - function: firstOf\n    substitutions: {T: String}\n",
			target: nil,
		},
		{
			name: "bogus method",
			src: strings.Replace(moduleYAML, "methods: {hash: Int.hash}",
				"methods: {hash: Int.hash, bogus: Int.bogus}", 1),
			target: werrors.LayoutMismatch("x", "y"),
		},
		{
			name: "missing witness",
			src: strings.Replace(moduleYAML, "methods: {equals: Int.equals}",
				"methods: {}", 1),
			target: werrors.LayoutMismatch("x", "y"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(context.Background(), parse(t, tt.src), Options{})

			if tt.target == nil {
				if err != nil {
					t.Errorf("Expected success, got %v", err)
				}

				return
			}

			if err == nil {
				t.Fatal("Expected run to fail")
			}

			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Run(ctx, parse(t, moduleYAML), Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swift.yaml")
	if err := os.WriteFile(path, []byte(moduleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := RunFile(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}

	if len(res.Functions) != 3 {
		t.Errorf("Expected 3 functions, got %d", len(res.Functions))
	}

	if _, err := RunFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), Options{}); err == nil {
		t.Error("Expected error for a missing manifest")
	}
}

func TestChangeString(t *testing.T) {
	c := Change{Unit: "function f", Item: "metadata T", Before: "explicit", After: "absent"}

	if got := c.String(); got != "function f: metadata T: explicit -> absent" {
		t.Errorf("Expected formatted change, got %q", got)
	}
}
