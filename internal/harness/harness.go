package harness

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/query"
	"github.com/roach88/recsync/internal/schema"
	"github.com/roach88/recsync/internal/sqlsource"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/testutil"
	"github.com/roach88/recsync/internal/value"
)

// Option configures a run.
type Option func(*runner)

// WithSink forwards every diagnostic to sink as well as to the trace.
func WithSink(sink diag.Sink) Option {
	return func(r *runner) {
		r.extraSinks = append(r.extraSinks, sink)
	}
}

// Run executes a scenario against a fresh in-memory source and store.
// The returned error reports a scenario that could not be executed (a bad
// schema, an unknown alias); failed expectations are reported in Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a context for the source's direct reads and
// writes.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	r := &runner{
		ctx:        ctx,
		scenario:   scenario,
		result:     NewResult(),
		seq:        testutil.NewSequence(),
		diags:      &diag.Recorder{},
		refs:       make(map[string]string),
		aliases:    make(map[string]string),
		live:       make(map[string]*query.Live),
		windowed:   make(map[string]*query.Windowed),
		queryNames: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.setup(); err != nil {
		return nil, err
	}
	defer r.src.Close()

	for i := range scenario.Steps {
		if err := r.exec(i, &scenario.Steps[i]); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, scenario.Steps[i].Kind(), err)
		}
	}
	r.root.Loop().Flush()
	r.result.Turns = r.root.Loop().Turns()

	for i := range scenario.Assertions {
		if err := r.check(&scenario.Assertions[i]); err != nil {
			r.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return r.result, nil
}

type runner struct {
	ctx      context.Context
	scenario *Scenario
	result   *Result
	seq      *testutil.Sequence

	src    *sqlsource.Source
	rec    *testutil.RecordingSource
	root   *store.Store
	nested *store.Store

	diags      *diag.Recorder
	extraSinks []diag.Sink

	// refs maps scenario aliases to StoreKeys; aliases is the reverse.
	refs    map[string]string
	aliases map[string]string

	live       map[string]*query.Live
	windowed   map[string]*query.Windowed
	queryNames map[string]string
}

func (r *runner) setup() error {
	s := r.scenario

	prefix := s.Options.IDPrefix
	if prefix == "" {
		prefix = testutil.DefaultIDPrefix
	}
	cfg := sqlsource.DefaultConfig()
	cfg.NewID = testutil.NewIDSequence(prefix).Next
	if s.Options.MaxQuerySnapshots > 0 {
		cfg.MaxQuerySnapshots = s.Options.MaxQuerySnapshots
	}
	src, err := sqlsource.Open(cfg)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	r.src = src

	defs, err := r.typeDefs()
	if err != nil {
		src.Close()
		return err
	}
	if err := r.seed(defs); err != nil {
		src.Close()
		return err
	}

	r.rec = &testutil.RecordingSource{Inner: src, OnCall: r.traceSourceCall}
	sinks := diag.Multi{diag.SinkFunc(r.traceDiagnostic), r.diags}
	sinks = append(sinks, r.extraSinks...)
	opts := []store.Option{store.WithTypes(defs...), store.WithSink(sinks)}
	if s.Options.AutoCommit != nil {
		opts = append(opts, store.WithAutoCommit(*s.Options.AutoCommit))
	}
	if s.Options.RebaseConflicts != nil {
		opts = append(opts, store.WithRebaseConflicts(*s.Options.RebaseConflicts))
	}
	r.root = store.New(r.rec, opts...)
	return nil
}

func (r *runner) typeDefs() ([]store.TypeDef, error) {
	var defs []store.TypeDef
	if r.scenario.Schema != "" {
		loaded, err := schema.Load(r.scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		defs = append(defs, loaded...)
	}
	for _, t := range r.scenario.Types {
		def := store.TypeDef{
			Name:       t.Name,
			PrimaryKey: t.PrimaryKey,
			Attributes: make(map[string]store.AttributeDef, len(t.Attributes)),
		}
		for name, attr := range t.Attributes {
			var dflt value.Value
			if attr.Default != nil {
				v, err := value.FromAny(attr.Default)
				if err != nil {
					return nil, fmt.Errorf("type %s: attribute %s: %w", t.Name, name, err)
				}
				dflt = v
			}
			def.Attributes[name] = store.AttributeDef{Default: dflt, NoSync: attr.NoSync}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (r *runner) seed(defs []store.TypeDef) error {
	for i, rec := range r.scenario.Seed {
		data, err := value.ObjectFromMap(rec.Data)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		id := rec.ID
		if id == "" {
			id = data.StringOf(primaryKeyOf(defs, rec.Type))
		}
		if id == "" {
			return fmt.Errorf("seed[%d]: record has no id", i)
		}
		if _, err := r.src.Put(r.ctx, rec.Type, id, data); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}
	return nil
}

func primaryKeyOf(defs []store.TypeDef, typ string) string {
	for _, def := range defs {
		if def.Name == typ && def.PrimaryKey != "" {
			return def.PrimaryKey
		}
	}
	return store.DefaultPrimaryKey
}

// store returns the store record steps act on: the open nested store, if
// any, else the root.
func (r *runner) store() *store.Store {
	if r.nested != nil {
		return r.nested
	}
	return r.root
}

func (r *runner) trace(kind, name string, args map[string]any) {
	r.result.addEvent(r.seq.Next(), kind, name, args)
}

func (r *runner) traceSourceCall(c testutil.SourceCall) {
	args := map[string]any{"accepted": c.Accepted}
	if c.Type != "" {
		args["type"] = c.Type
	}
	if c.Method == "FetchQuery" {
		if name, ok := r.queryNames[c.ID]; ok {
			args["query"] = name
		}
	} else if c.ID != "" {
		args["id"] = c.ID
	}
	if c.State != "" {
		args["state"] = c.State
	}
	if len(c.Counts) > 0 {
		counts := make(map[string]any, len(c.Counts))
		for k, n := range c.Counts {
			counts[k] = int64(n)
		}
		args["counts"] = counts
	}
	r.trace(KindSource, c.Method, args)
}

// traceDiagnostic runs inside store operations, so it reads only the
// runner's own maps.
func (r *runner) traceDiagnostic(err *diag.Error) {
	args := map[string]any{}
	if err.Type != "" {
		args["type"] = err.Type
	}
	if err.StoreKey != "" {
		if alias, ok := r.aliases[err.StoreKey]; ok {
			args["record"] = "@" + alias
		} else {
			args["store_key"] = err.StoreKey
		}
	}
	if err.QueryID != "" {
		if name, ok := r.queryNames[err.QueryID]; ok {
			args["query"] = name
		}
	}
	r.trace(KindDiagnostic, string(err.Code), args)
}

func (r *runner) subscribe(name string, q query.List) {
	q.Subscribe(func(ev query.Event) {
		r.trace(KindQuery, ev.Kind.String(), map[string]any{
			"query":  name,
			"length": int64(q.Length()),
		})
	})
}

// label is how a record appears in query assertions and range events: its
// server id, else "@alias", else its StoreKey.
func (r *runner) label(st *store.Store, sk string) string {
	if sk == "" {
		return ""
	}
	if id := st.GetIDFromStoreKey(sk); id != "" {
		return id
	}
	if alias, ok := r.aliases[sk]; ok {
		return "@" + alias
	}
	return sk
}

func (r *runner) labels(st *store.Store, keys []string) []any {
	out := make([]any, len(keys))
	for i, sk := range keys {
		out[i] = r.label(st, sk)
	}
	return out
}

func (r *runner) alias(name, sk string) {
	if name == "" || sk == "" {
		return
	}
	r.refs[name] = sk
	r.aliases[sk] = name
}

func (r *runner) resolve(ref RecordRef) (string, error) {
	if ref.Ref != "" {
		sk, ok := r.refs[ref.Ref]
		if !ok {
			return "", fmt.Errorf("unknown record alias %q", ref.Ref)
		}
		return sk, nil
	}
	return r.store().GetStoreKey(ref.Type, ref.ID), nil
}

func (r *runner) list(name string) (query.List, error) {
	if q, ok := r.live[name]; ok {
		return q, nil
	}
	if q, ok := r.windowed[name]; ok {
		return q, nil
	}
	return nil, fmt.Errorf("unknown query %q", name)
}

func (r *runner) exec(i int, step *Step) error {
	args := map[string]any{}
	r.trace(KindStep, step.Kind(), args)
	st := r.store()

	switch {
	case step.Create != nil:
		c := step.Create
		data, err := value.ObjectFromMap(c.Data)
		if err != nil {
			return err
		}
		args["type"] = c.Type
		rec := st.NewRecord(c.Type)
		for _, k := range slices.Sorted(maps.Keys(data)) {
			rec.Set(k, data[k])
		}
		ok := rec.SaveToStore()
		args["ok"] = ok
		if c.As != "" {
			args["as"] = c.As
			r.alias(c.As, rec.StoreKey())
		}

	case step.Update != nil:
		sk, err := r.resolve(step.Update.RecordRef)
		if err != nil {
			return err
		}
		data, err := value.ObjectFromMap(step.Update.Data)
		if err != nil {
			return err
		}
		args["record"] = step.Update.String()
		args["ok"] = st.UpdateData(sk, data, true)

	case step.Destroy != nil:
		sk, err := r.resolve(*step.Destroy)
		if err != nil {
			return err
		}
		args["record"] = step.Destroy.String()
		args["ok"] = st.DestroyRecord(sk)

	case step.Get != nil:
		g := step.Get
		rec := st.GetRecord(g.Type, g.ID)
		args["type"], args["id"] = g.Type, g.ID
		if g.As != "" {
			args["as"] = g.As
			r.alias(g.As, rec.StoreKey())
		}

	case step.RefreshRecord != nil:
		sk, err := r.resolve(*step.RefreshRecord)
		if err != nil {
			return err
		}
		args["record"] = step.RefreshRecord.String()
		args["ok"] = st.Refresh(sk)

	case step.Commit:
		st.CommitChanges()

	case step.Discard:
		st.DiscardChanges()

	case step.Flush:
		r.root.Loop().Flush()

	case step.FetchAll != nil:
		args["type"] = step.FetchAll.Type
		args["ok"] = r.root.FetchAll(step.FetchAll.Type, step.FetchAll.Force)

	case step.RemotePut != nil:
		p := step.RemotePut
		data, err := value.ObjectFromMap(p.Data)
		if err != nil {
			return err
		}
		state, err := r.src.Put(r.ctx, p.Type, p.ID, data)
		if err != nil {
			return err
		}
		args["type"], args["id"], args["state"] = p.Type, p.ID, state

	case step.RemoteDelete != nil:
		d := step.RemoteDelete
		state, err := r.src.Delete(r.ctx, d.Type, d.ID)
		if err != nil {
			return err
		}
		args["type"], args["id"], args["state"] = d.Type, d.ID, state

	case step.Source != "":
		args["mode"] = step.Source
		if step.Source == "offline" {
			r.rec.Refuse = func(string) bool { return true }
		} else {
			r.rec.Refuse = nil
		}

	case step.NestedBegin:
		if r.nested != nil {
			return errors.New("a nested store is already open")
		}
		r.nested = store.NewNested(r.root)

	case step.NestedCommit:
		if r.nested == nil {
			return errors.New("no nested store is open")
		}
		r.nested.CommitChanges()
		r.nested.Destroy()
		r.nested = nil

	case step.NestedDiscard:
		if r.nested == nil {
			return errors.New("no nested store is open")
		}
		r.nested.Destroy()
		r.nested = nil

	case step.LiveQuery != nil:
		return r.newLive(st, step.LiveQuery, args)

	case step.WindowedQuery != nil:
		return r.newWindowed(st, step.WindowedQuery, args)

	case step.LoadRange != nil:
		lr := step.LoadRange
		q, ok := r.windowed[lr.Query]
		if !ok {
			return fmt.Errorf("unknown windowed query %q", lr.Query)
		}
		args["query"] = lr.Query
		q.GetStoreKeysInRange(lr.Start, lr.End, func(keys []string, start, end int) {
			r.trace(KindQuery, "range", map[string]any{
				"query": lr.Query,
				"start": int64(start),
				"end":   int64(end),
				"ids":   r.labels(q.Store(), keys),
			})
		})

	case step.Refresh != "":
		args["query"] = step.Refresh
		if q, ok := r.windowed[step.Refresh]; ok {
			q.Refresh()
			break
		}
		q, ok := r.live[step.Refresh]
		if !ok {
			return fmt.Errorf("unknown query %q", step.Refresh)
		}
		args["ok"] = q.Fetch()

	case step.Expect != nil:
		args["type"] = step.Expect.Type
		if err := r.check(step.Expect); err != nil {
			args["ok"] = false
			r.result.AddError(fmt.Sprintf("steps[%d] (expect): %v", i, err))
		} else {
			args["ok"] = true
		}
	}
	return nil
}

func (r *runner) newLive(st *store.Store, qs *QueryStep, args map[string]any) error {
	if _, exists := r.live[qs.Name]; exists {
		return fmt.Errorf("query %q already exists", qs.Name)
	}
	var opts []query.LiveOption
	if len(qs.Where) > 0 {
		where, err := value.ObjectFromMap(qs.Where)
		if err != nil {
			return err
		}
		opts = append(opts, query.WithWhere(query.Equals(where)))
	}
	if len(qs.Sort) > 0 {
		opts = append(opts, query.WithSort(query.SortBy(qs.Sort...)))
	}
	args["name"], args["type"] = qs.Name, qs.Type
	opts = append(opts, query.WithLiveID("live:"+qs.Name))

	q := query.NewLive(st, qs.Type, opts...)
	r.live[qs.Name] = q
	r.queryNames[q.ID()] = qs.Name
	r.subscribe(qs.Name, q)
	return nil
}

func (r *runner) newWindowed(st *store.Store, qs *QueryStep, args map[string]any) error {
	if _, exists := r.windowed[qs.Name]; exists {
		return fmt.Errorf("query %q already exists", qs.Name)
	}
	var opts []query.WindowedOption
	if len(qs.Where) > 0 {
		where, err := value.ObjectFromMap(qs.Where)
		if err != nil {
			return err
		}
		opts = append(opts, query.WithFilter(where))
	}
	if len(qs.Sort) > 0 {
		opts = append(opts, query.WithSortBy(qs.Sort...))
	}
	if qs.WindowSize > 0 {
		opts = append(opts, query.WithWindowSize(qs.WindowSize))
	}
	if qs.Prefetch != nil {
		opts = append(opts, query.WithPrefetch(*qs.Prefetch))
	}
	if qs.DeltaUpdates != nil {
		opts = append(opts, query.WithDeltaUpdates(*qs.DeltaUpdates))
	}
	args["name"], args["type"] = qs.Name, qs.Type

	q := query.NewWindowed(st, qs.Type, opts...)
	r.windowed[qs.Name] = q
	if _, named := r.queryNames[q.ID()]; !named {
		r.queryNames[q.ID()] = qs.Name
	}
	r.subscribe(qs.Name, q)
	return nil
}
