// Package pipeline runs one generation: it computes protocol layouts,
// builds the witness tables of a module's conformances, lowers its generic
// functions and specialized call sites, and optionally records and
// verifies the result.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/witgen/internal/cli"
	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/irgen"
	"github.com/orizon-lang/witgen/internal/lir"
	"github.com/orizon-lang/witgen/internal/manifest"
	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/store"
)

// Options configure a run. The zero value runs with GOMAXPROCS workers,
// without a store and without logging.
type Options struct {
	MaxConcurrency int
	// Store, when set, receives the run's decisions and is consulted for
	// the previous run of the same module.
	Store  *store.Store
	Logger *cli.Logger
	// Verify executes the emitted accessors and call sites.
	Verify bool
}

func (o Options) limit() int {
	if o.MaxConcurrency > 0 {
		return o.MaxConcurrency
	}

	return runtime.GOMAXPROCS(0)
}

func (o Options) logger() *cli.Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return cli.NewLoggerTo(io.Discard, false, false)
}

// FunctionResult is the lowered form of one generic function.
type FunctionResult struct {
	Name string
	// Signature is the expanded parameter list.
	Signature []string
	Sources   []string
	Decisions []store.Decision

	// needsObject is set when the function reads metadata from an object
	// argument, which call sites cannot supply.
	needsObject bool
}

// Change is a difference from the previous run of the module.
type Change struct {
	Unit   string
	Item   string
	Before string
	After  string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s: %s -> %s", c.Unit, c.Item, c.Before, c.After)
}

// Result is the outcome of a run.
type Result struct {
	Module    *lir.Module
	Tables    []*irgen.WitnessTable
	Functions []FunctionResult
	// Run is zero unless a store was given.
	Run     store.Run
	Changes []Change
	// Verified counts the accessors and call sites executed by Verify.
	Verified int
}

// Listing renders the emitted module.
func (r *Result) Listing() string { return r.Module.String() }

// FunctionSymbol names the lowered form of fn.
func FunctionSymbol(fn *sema.Function) string { return "@" + fn.Name }

// CallerSymbol names the function emitted for specialization i of fn.
func CallerSymbol(fn *sema.Function, i int) string {
	return "@" + fn.Name + ".call" + strconv.Itoa(i)
}

// RunFile loads the manifest at path and runs it.
func RunFile(ctx context.Context, path string, opts Options) (*Result, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}

	return Run(ctx, m, opts)
}

// Run generates m.
func Run(ctx context.Context, m *sema.Module, opts Options) (*Result, error) {
	log := opts.logger()
	protocols := protoinfo.NewCache()
	b := irgen.NewModuleBuilder(m, protocols)

	log.Debug("module %s: %d protocols, %d conformances, %d functions",
		m.Name, len(m.Protocols), len(m.Conformances), len(m.Functions))

	if err := forEach(ctx, opts.limit(), len(m.Protocols), func(i int) error {
		if p := m.Protocols[i]; p.RequiresWitnessTable() {
			protocols.Full(p)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	var conformances []*sema.Conformance
	for _, c := range m.Conformances {
		// Tables of other modules and of marker protocols are not ours to
		// emit.
		if c.Module == m.Name && c.Protocol.RequiresWitnessTable() {
			conformances = append(conformances, c)
		}
	}

	res := &Result{
		Tables:    make([]*irgen.WitnessTable, len(conformances)),
		Functions: make([]FunctionResult, len(m.Functions)),
	}

	if err := forEach(ctx, opts.limit(), len(conformances), func(i int) error {
		wt, err := irgen.BuildWitnessTable(b, conformances[i])
		if err != nil {
			return fmt.Errorf("conformance %s: %w", conformances[i], err)
		}

		res.Tables[i] = wt
		log.Debug("built %s (%d words, %d private)", conformances[i], wt.Layout.SizeInWords(), wt.Layout.NumPrivate)

		return nil
	}); err != nil {
		return nil, err
	}

	units := len(m.Functions) + len(m.Specializations)

	if err := forEach(ctx, opts.limit(), units, func(i int) error {
		if i < len(m.Functions) {
			fr, err := emitFunction(b, m.Functions[i])
			if err != nil {
				return fmt.Errorf("function %s: %w", m.Functions[i].Name, err)
			}

			res.Functions[i] = fr

			return nil
		}

		i -= len(m.Functions)
		if err := emitCaller(b, i, m.Specializations[i]); err != nil {
			return fmt.Errorf("specialization %d of %s: %w", i, m.Specializations[i].Function.Name, err)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	res.Module = b.Module()
	log.Info("emitted %d globals and %d functions for %s", len(res.Module.Globals), len(res.Module.Functions), m.Name)

	if opts.Store != nil {
		if err := persist(ctx, opts.Store, m, protocols, res); err != nil {
			return nil, fmt.Errorf("recording run: %w", err)
		}

		for _, c := range res.Changes {
			log.Info("changed since last run: %s", c)
		}
	}

	if opts.Verify {
		n, err := verify(m, res)
		if err != nil {
			return nil, fmt.Errorf("verifying %s: %w", m.Name, err)
		}

		res.Verified = n
		log.Info("verified %d accessors and call sites", n)
	}

	return res, nil
}

// forEach runs fn for 0..n-1 on at most limit goroutines and returns the
// first error. Indices not yet started are skipped once one fails or ctx
// ends.
func forEach(ctx context.Context, limit, n int, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			return fn(i)
		})
	}

	return g.Wait()
}

// emitFunction lowers fn: its expanded signature and a body that derives
// every requirement the way the convention decided.
func emitFunction(b *irgen.ModuleBuilder, fn *sema.Function) (res FunctionResult, err error) {
	defer werrors.Recover(&err)

	pc := irgen.NewPolymorphicConvention(b.Protocols, b, fn)

	out := &lir.Function{Name: FunctionSymbol(fn), Params: pc.ExpandSignature()}
	e := irgen.NewFunctionEmitter(b, out, fn.Generics)
	pc.EmitPolymorphicParameters(e)

	res = FunctionResult{Name: fn.Name, Signature: out.Params}
	for _, src := range pc.Sources() {
		res.Sources = append(res.Sources, src.String())
		res.needsObject = res.needsObject || src.Kind == irgen.SourceClassPointer
	}

	for _, req := range pc.Requirements() {
		d := store.Decision{Requirement: req.String()}

		if pc.IsExplicit(req) {
			d.Explicit = true
		} else {
			f, ok := pc.Fulfillment(req)
			if !ok {
				panic(werrors.UnsatisfiableRequirement(req.String(), fn.Name))
			}

			d.Source, d.Path = f.SourceIndex, f.Path

			if f.Path.IsImpossible() {
				res.Decisions = append(res.Decisions, d)
				continue
			}
		}

		if req.IsMetadata() {
			e.EmitTypeMetadataRef(req.TypeParameter)
		} else {
			e.EmitWitnessTableRef(req.TypeParameter, req.Protocol)
		}

		res.Decisions = append(res.Decisions, d)
	}

	e.B.Emit(lir.Ret{})

	if !b.AddFunction(out) {
		return res, werrors.InvalidInput("function %s is declared twice", fn.Name)
	}

	return res, nil
}

// emitCaller emits a call of spec's function with everything its
// convention expects for the substituted types.
func emitCaller(b *irgen.ModuleBuilder, i int, spec sema.Specialization) (err error) {
	defer werrors.Recover(&err)

	fn := spec.Function
	pc := irgen.NewPolymorphicConvention(b.Protocols, b, fn)

	out := &lir.Function{Name: CallerSymbol(fn, i)}
	e := irgen.NewFunctionEmitter(b, out, nil)

	var args []string

	for _, p := range fn.Params {
		if p.Type.IsThickMetatype() {
			args = append(args, e.EmitTypeMetadataRef(sema.Subst(p.Type.Base, spec.Subs, b)))
			continue
		}

		args = append(args, "null")
	}

	for _, src := range pc.Sources() {
		if src.Kind == irgen.SourceGenericLValueMetadata {
			args = append(args, e.EmitTypeMetadataRef(sema.Subst(src.Type, spec.Subs, b)))
		}
	}

	args = append(args, pc.EmitPolymorphicArguments(e, spec.Subs)...)

	if fn.Convention == sema.ConvWitnessMethod {
		self := sema.Subst(fn.WitnessSelf, spec.Subs, b)
		args = append(args, e.EmitTypeMetadataRef(self), e.EmitWitnessTableRef(self, fn.WitnessConformance.Protocol))
	}

	e.B.Call("", FunctionSymbol(fn), args...)
	e.B.Emit(lir.Ret{})

	if !b.AddFunction(out) {
		return werrors.Internal("caller %s emitted twice", out.Name)
	}

	return nil
}
