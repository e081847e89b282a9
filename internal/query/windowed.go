package query

import (
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/update"
	"github.com/roach88/recsync/internal/value"
)

var windowedSeq atomic.Uint64

// WindowState is the fetch state of one window of a Windowed query. The
// id list and the records of a window progress independently.
type WindowState uint8

// WindowEmpty means nothing is known or requested.
const WindowEmpty WindowState = 0

// Id list states, then record states.
const (
	WindowRequested WindowState = 1 << iota
	WindowLoading
	WindowReady
	WindowRecordsRequested
	WindowRecordsLoading
	WindowRecordsReady
)

func (w WindowState) String() string {
	if w == WindowEmpty {
		return "EMPTY"
	}
	var parts []string
	for _, f := range []struct {
		bit  WindowState
		name string
	}{
		{WindowRequested, "REQUESTED"},
		{WindowLoading, "LOADING"},
		{WindowReady, "READY"},
		{WindowRecordsRequested, "RECORDS_REQUESTED"},
		{WindowRecordsLoading, "RECORDS_LOADING"},
		{WindowRecordsReady, "RECORDS_READY"},
	} {
		if w&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Span is the half-open index range [Start, End) of a remote list.
type Span struct {
	Start int
	End   int
}

// FetchRequest is what a source should fetch for a Windowed query. Done
// must be called once the source has delivered everything it is going to
// deliver for this request.
type FetchRequest struct {
	// State is the list state the client holds, or "" before the first load.
	State string
	// Refresh asks for a delta from State, answered with SourceDidFetchUpdate.
	Refresh bool
	// IDs are the ranges whose ids are wanted.
	IDs []Span
	// Records are the ranges whose records should be loaded into the store.
	Records []Span
	// IndexOf lists ids whose position the client is looking for.
	IndexOf []string
	Done    func()
}

// Empty reports whether the request asks for nothing.
func (r FetchRequest) Empty() bool {
	return !r.Refresh && len(r.IDs) == 0 && len(r.Records) == 0 && len(r.IndexOf) == 0
}

// IDsResponse delivers part of the id list at a given state.
type IDsResponse struct {
	State    string
	Total    int
	Position int
	IDs      []string
}

// ServerUpdate is a delta of the remote list from OldState to NewState.
// Removed ids are located by the client; Added carries post-update
// positions.
type ServerUpdate struct {
	OldState string
	NewState string
	Removed  []string
	Added    []update.Entry
	Changed  []string
	Total    int
	// UpTo, if set, is the last id of the list the delta vouches for.
	UpTo string
}

// WindowedOption configures a Windowed query.
type WindowedOption func(*Windowed)

// WithWindowSize sets the number of ids per window. Default: 30.
func WithWindowSize(n int) WindowedOption {
	return func(q *Windowed) {
		if n > 0 {
			q.windowSize = n
		}
	}
}

// WithTriggerPoint sets how close to a window edge GetObjectAt must be to
// also request the adjacent window. Default: 10.
func WithTriggerPoint(n int) WindowedOption {
	return func(q *Windowed) {
		q.triggerPoint = max(n, 0)
	}
}

// WithPrefetch sets how many windows either side of a requested one are
// requested too. Default: 1.
func WithPrefetch(n int) WindowedOption {
	return func(q *Windowed) {
		q.prefetch = max(n, 0)
	}
}

// WithOptimiseFetching drops requested windows that are not near any range
// observer when the request is handed to the source, unless they were
// requested explicitly.
func WithOptimiseFetching(on bool) WindowedOption {
	return func(q *Windowed) {
		q.optimiseFetching = on
	}
}

// WithDeltaUpdates controls whether the query asks its source for deltas
// when it goes obsolete. Without them a refresh resets the list.
// Default: true.
func WithDeltaUpdates(on bool) WindowedOption {
	return func(q *Windowed) {
		q.canGetDeltaUpdates = on
	}
}

// WithAutoRefresh controls whether a change of the type's client state
// refreshes the query. Default: true.
func WithAutoRefresh(on bool) WindowedOption {
	return func(q *Windowed) {
		q.autoRefresh = on
	}
}

// WithFilter restricts the list to records whose attributes equal every
// attribute of where.
func WithFilter(where value.Object) WindowedOption {
	return func(q *Windowed) {
		q.filter = where.Clone()
	}
}

// WithSortBy orders the list by attributes; "-name" sorts descending.
func WithSortBy(attrs ...string) WindowedOption {
	return func(q *Windowed) {
		q.sortBy = slices.Clone(attrs)
	}
}

type rangeRequest struct {
	start, end int
	cb         func(storeKeys []string, start, end int)
}

type indexRequest struct {
	storeKey string
	cb       func(index int)
}

// Windowed is a server-ordered list of one record type, fetched lazily in
// windows.
//
// The query keeps the last list confirmed by the source (sparse: "" marks
// an id not fetched yet) and a stack of preemptive updates: local guesses
// applied on top of it. The list it exposes is the confirmed list with every
// preemptive update applied. When the source reports a delta, a preemptive
// prefix that predicted it is dropped; if none did, all of them are
// discarded and the delta alone is applied.
type Windowed struct {
	id     string
	st     *store.Store
	typ    string
	filter value.Object
	sortBy []string

	windowSize         int
	triggerPoint       int
	prefetch           int
	optimiseFetching   bool
	canGetDeltaUpdates bool
	autoRefresh        bool

	status     status.Status
	state      string
	refreshing bool

	truth      []string
	truthTotal int
	preemptive []update.Update
	keys       []string
	length     int

	windows  []WindowState
	explicit map[int]bool

	indexOfPending  map[string]bool
	indexOfAnswered map[string]bool
	waitingRanges   []rangeRequest
	waitingIndex    []indexRequest

	ranges rangeObservers
	subs   subscribers
}

// NewWindowed registers a windowed query for typ with st. Queries are
// identified by their type, filter and sort: if st already holds an equal
// query, that one is returned.
func NewWindowed(st *store.Store, typ string, opts ...WindowedOption) *Windowed {
	q := &Windowed{
		st:                 st,
		typ:                typ,
		windowSize:         30,
		triggerPoint:       10,
		prefetch:           1,
		canGetDeltaUpdates: true,
		autoRefresh:        true,
		status:             status.Empty,
		explicit:           make(map[int]bool),
		indexOfPending:     make(map[string]bool),
		indexOfAnswered:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.id = windowedID(typ, q.filter, q.sortBy)
	if existing, ok := st.GetQuery(q.id).(*Windowed); ok {
		return existing
	}
	st.AddQuery(q)
	return q
}

func windowedID(typ string, filter value.Object, sortBy []string) string {
	def := value.Object{"type": value.String(typ)}
	if filter != nil {
		def["where"] = filter
	}
	sort := value.Array{}
	for _, attr := range sortBy {
		sort = append(sort, value.String(attr))
	}
	def["sort"] = sort
	h, err := value.Hash(value.DomainQuery, def)
	if err != nil {
		return "windowed:" + typ + ":" + strconv.FormatUint(windowedSeq.Add(1), 10)
	}
	return "windowed:" + typ + ":" + h[:16]
}

// ID implements store.Query.
func (q *Windowed) ID() string { return q.id }

// Type implements store.Query.
func (q *Windowed) Type() string { return q.typ }

// Filter returns the equality filter, or nil.
func (q *Windowed) Filter() value.Object { return q.filter.Clone() }

// SortBy returns the sort attributes.
func (q *Windowed) SortBy() []string { return slices.Clone(q.sortBy) }

// Store returns the store the query deposits records into.
func (q *Windowed) Store() *store.Store { return q.st }

// Status returns the query status: EMPTY before the first ids arrive, then
// READY; OBSOLETE when a refresh is due, LOADING while it is in flight, and
// DIRTY while preemptive updates are outstanding.
func (q *Windowed) Status() status.Status { return q.status }

// State returns the list state token the client holds.
func (q *Windowed) State() string { return q.state }

// Length returns the length of the list including preemptive updates.
func (q *Windowed) Length() int { return q.length }

// WindowSize returns the number of ids per window.
func (q *Windowed) WindowSize() int { return q.windowSize }

// WindowState returns the state of window index.
func (q *Windowed) WindowState(index int) WindowState {
	if index < 0 || index >= len(q.windows) {
		return WindowEmpty
	}
	return q.windows[index]
}

// PreemptiveUpdates returns how many local updates await confirmation.
func (q *Windowed) PreemptiveUpdates() int { return len(q.preemptive) }

// StoreKeys returns a copy of the list; unknown slots are "".
func (q *Windowed) StoreKeys() []string {
	out := make([]string, q.length)
	copy(out, q.keys)
	return out
}

// StoreKeyAt returns the StoreKey at index, or "" if it is unknown.
func (q *Windowed) StoreKeyAt(index int) string {
	if index < 0 || index >= len(q.keys) {
		return ""
	}
	return q.keys[index]
}

// AddObserverForRange implements List.
func (q *Windowed) AddObserverForRange(r Range, fn RangeFunc) func() {
	return q.ranges.add(r, fn)
}

// Subscribe implements List.
func (q *Windowed) Subscribe(fn func(Event)) func() {
	return q.subs.add(fn)
}

// GetObjectAt returns the Record at index, or nil while its id is unknown.
// It requests the window holding index (with prefetch) and, near a window
// edge, the adjacent window.
func (q *Windowed) GetObjectAt(index int) *store.Record {
	if index < 0 || (q.status.Is(status.Ready) && index >= q.length) {
		return nil
	}
	w := index / q.windowSize
	q.FetchWindow(w, true, q.prefetch)
	off := index % q.windowSize
	if off < q.triggerPoint && w > 0 {
		q.FetchWindow(w-1, true, 0)
	}
	if q.windowSize-off <= q.triggerPoint {
		q.FetchWindow(w+1, true, 0)
	}
	sk := q.StoreKeyAt(index)
	if sk == "" {
		return nil
	}
	if q.st.GetStatus(sk).Is(status.Obsolete) {
		q.st.FetchData(sk)
	}
	return q.st.Materialize(sk)
}

// FetchWindow requests the ids of window index and of prefetch windows
// either side, and with fetchRecords the records of window index. The
// source is asked once at the end of the turn however many windows were
// requested.
func (q *Windowed) FetchWindow(index int, fetchRecords bool, prefetch int) {
	if q.status.Is(status.Destroyed) || index < 0 {
		return
	}
	n := q.windowCount()
	changed := false
	for w := max(0, index-prefetch); w <= index+prefetch; w++ {
		if n >= 0 && w >= n {
			break
		}
		q.growWindows(w)
		if q.windows[w]&(WindowRequested|WindowLoading|WindowReady) == 0 {
			q.windows[w] |= WindowRequested
			changed = true
		}
	}
	if fetchRecords && (n < 0 || index < n) {
		q.growWindows(index)
		if q.windows[index]&(WindowRecordsRequested|WindowRecordsLoading|WindowRecordsReady) == 0 {
			q.windows[index] |= WindowRecordsRequested
			changed = true
		}
	}
	if changed {
		q.scheduleFetch()
	}
}

// GetStoreKeysInRange calls cb with the StoreKeys of [start, end) once they
// are all known. It reports whether cb was called synchronously; otherwise
// the windows covering the range are fetched and never pruned.
func (q *Windowed) GetStoreKeysInRange(start, end int, cb func(storeKeys []string, start, end int)) bool {
	start, end = q.clampRange(start, end)
	if q.known(start, end) {
		cb(slices.Clone(q.keys[start:end]), start, end)
		return true
	}
	q.waitingRanges = append(q.waitingRanges, rangeRequest{start: start, end: end, cb: cb})
	q.requestRange(start, end)
	return false
}

// IndexOfStoreKey calls cb with the position of sk, or -1 once the source
// has said it is not in the list. It reports whether cb was called
// synchronously.
func (q *Windowed) IndexOfStoreKey(sk string, cb func(index int)) bool {
	if i := slices.Index(q.keys, sk); i >= 0 {
		cb(i)
		return true
	}
	if q.status.Is(status.Ready) && q.fullyLoaded() {
		cb(-1)
		return true
	}
	q.waitingIndex = append(q.waitingIndex, indexRequest{storeKey: sk, cb: cb})
	q.indexOfPending[sk] = true
	q.scheduleFetch()
	return false
}

// SetObsolete marks the list as possibly out of date.
func (q *Windowed) SetObsolete() {
	if q.status.Is(status.Destroyed) {
		return
	}
	q.status |= status.Obsolete
}

// Refresh brings the list up to date: with delta updates and a known state
// the source is asked for a delta, otherwise the list is reset and the
// observed windows are fetched again.
func (q *Windowed) Refresh() {
	switch {
	case q.status.Is(status.Destroyed):
	case q.state != "" && q.canGetDeltaUpdates:
		q.status |= status.Obsolete
		q.scheduleFetch()
	default:
		q.Reset()
		q.refetch()
	}
}

// Reset drops everything the query knows and fires EventReset. Pending
// GetStoreKeysInRange and IndexOfStoreKey calls stay queued.
func (q *Windowed) Reset() {
	if q.status.Is(status.Destroyed) {
		return
	}
	oldLen := q.length
	q.truth, q.keys = nil, nil
	q.truthTotal, q.length = 0, 0
	q.preemptive = nil
	q.windows = nil
	clear(q.explicit)
	clear(q.indexOfAnswered)
	q.state = ""
	q.refreshing = false
	q.status = status.Empty
	q.subs.emit(Event{Kind: EventReset, Query: q})
	q.ranges.rangeDidChange(oldLen, 0, oldLen)
}

// Destroy deregisters the query and drops pending callbacks.
func (q *Windowed) Destroy() {
	q.st.RemoveQuery(q)
	q.truth, q.keys, q.preemptive, q.windows = nil, nil, nil, nil
	q.waitingRanges, q.waitingIndex = nil, nil
	q.status = status.Destroyed
}

// StoreTypeDidChange implements store.TypeObserver.
func (q *Windowed) StoreTypeDidChange(string) {
	if !q.autoRefresh || q.status.Is(status.Destroyed) || q.status.Is(status.Empty) {
		return
	}
	q.SetObsolete()
	q.Refresh()
}

// SourceWillFetchQuery moves every requested window to loading and
// returns what the source should fetch. With optimiseFetching, windows
// nobody observes (and nobody explicitly asked for) are dropped.
func (q *Windowed) SourceWillFetchQuery() FetchRequest {
	req := FetchRequest{State: q.state}
	if q.status.Is(status.Destroyed) {
		req.Done = func() {}
		return req
	}
	if q.status.Is(status.Obsolete) && q.state != "" && q.canGetDeltaUpdates && !q.refreshing {
		req.Refresh = true
		q.refreshing = true
		q.status |= status.Loading
	}

	observed := q.ranges.ranges(q.length)
	near := func(w int) bool {
		for _, r := range observed {
			first := r[0] / q.windowSize
			last := max(r[1]-1, r[0]) / q.windowSize
			if w >= first-q.prefetch && w <= last+q.prefetch {
				return true
			}
		}
		return false
	}
	var sent []int
	for w, s := range q.windows {
		drop := q.optimiseFetching && !q.explicit[w] && !near(w)
		inRequest := false
		if s&WindowRequested != 0 {
			s &^= WindowRequested
			if !drop {
				s |= WindowLoading
				req.IDs = append(req.IDs, q.span(w))
				inRequest = true
			}
		}
		if s&WindowRecordsRequested != 0 {
			s &^= WindowRecordsRequested
			if !drop {
				s |= WindowRecordsLoading
				req.Records = append(req.Records, q.span(w))
				inRequest = true
			}
		}
		q.windows[w] = s
		if inRequest {
			sent = append(sent, w)
			delete(q.explicit, w)
		}
	}

	var asked []string
	for _, sk := range slices.Sorted(maps.Keys(q.indexOfPending)) {
		if id := q.st.GetIDFromStoreKey(sk); id != "" {
			req.IndexOf = append(req.IndexOf, id)
		}
		asked = append(asked, sk)
	}
	clear(q.indexOfPending)
	refresh := req.Refresh
	req.Done = func() { q.sourceDidFinishFetch(sent, asked, refresh) }
	return req
}

// SourceDidFetchIDs places ids fetched at resp.State into the list. Ids for
// a different state than the one held are dropped: the list moved on the
// server, so the query catches up first and then fetches the windows again.
func (q *Windowed) SourceDidFetchIDs(resp IDsResponse) {
	if q.status.Is(status.Destroyed) {
		return
	}
	if q.state != "" && resp.State != q.state {
		slog.Debug("windowed query ids for another state", "query", q.id, "held", q.state, "got", resp.State)
		for w, s := range q.windows {
			if s&WindowLoading != 0 {
				q.windows[w] = s&^WindowLoading | WindowRequested
			}
		}
		q.SetObsolete()
		q.Refresh()
		return
	}

	oldLen := q.length
	q.state = resp.State
	q.truthTotal = resp.Total
	for i, id := range resp.IDs {
		pos := resp.Position + i
		if pos >= resp.Total {
			break
		}
		for len(q.truth) <= pos {
			q.truth = append(q.truth, "")
		}
		q.truth[pos] = q.st.GetStoreKey(q.typ, id)
	}
	if len(q.truth) > q.truthTotal {
		q.truth = q.truth[:q.truthTotal]
	}
	q.status = q.status.WithCore(status.Ready)
	q.syncWindows()
	q.project()

	start, end := resp.Position, resp.Position+len(resp.IDs)
	if oldLen != q.length {
		start = min(start, oldLen, q.length)
		end = max(end, oldLen, q.length)
	}
	q.ranges.rangeDidChange(q.length, start, min(end, max(q.length, oldLen)))
	q.resolveWaiting()
}

// ClientDidGenerateUpdate applies a local guess at how the list changes
// and keeps it until the source confirms or contradicts it.
func (q *Windowed) ClientDidGenerateUpdate(u update.Update) {
	if q.status.Is(status.Destroyed) {
		return
	}
	u = update.Normalize(u)
	oldLen := q.length
	q.preemptive = append(q.preemptive, u)
	q.status |= status.Dirty
	q.project()
	q.subs.emit(Event{Kind: EventUpdated, Query: q, Update: u})
	start, end := affected(u, oldLen)
	q.ranges.rangeDidChange(q.length, start, end)
}

// SourceDidFetchUpdate reconciles a server delta with the preemptive
// updates.
//
// The delta is only accepted from the state the client holds; anything
// else resets the query. Removed ids are located in the confirmed list; one
// that cannot be found truncates the list at its first unknown slot. If a
// prefix of the preemptive updates composes to exactly the delta, the
// client guessed right and that prefix is dropped with no visible change.
// Otherwise every preemptive update is discarded and the delta is applied
// to the confirmed list. An UpTo id bounds the trusted part of the result;
// if it cannot be found the query resets.
func (q *Windowed) SourceDidFetchUpdate(su ServerUpdate) {
	if q.status.Is(status.Destroyed) {
		return
	}
	q.refreshing = false
	q.status &^= status.Loading
	if su.OldState != q.state {
		if su.NewState == q.state {
			// Already at that state.
			q.status &^= status.Obsolete
			return
		}
		slog.Debug("windowed query delta from unknown state", "query", q.id, "held", q.state, "old", su.OldState)
		q.Reset()
		q.refetch()
		return
	}

	var removed []update.Entry
	gap := false
	for _, id := range su.Removed {
		sk := q.st.GetStoreKey(q.typ, id)
		if i := slices.Index(q.truth, sk); i >= 0 {
			removed = append(removed, update.Entry{Index: i, ID: sk})
		} else {
			gap = true
		}
	}
	added := make([]update.Entry, 0, len(su.Added))
	for _, e := range su.Added {
		added = append(added, update.Entry{Index: e.Index, ID: q.st.GetStoreKey(q.typ, e.ID)})
	}
	changed := make([]string, 0, len(su.Changed))
	for _, id := range su.Changed {
		changed = append(changed, q.st.GetStoreKey(q.typ, id))
	}
	server := update.New(removed, added, changed, su.Total)
	server.TruncateAtFirstGap = gap
	server = update.Normalize(server)
	if gap {
		q.report("server delta removes ids the query cannot place; truncating at the first gap")
	}

	next := server.Apply(q.truth)
	if su.UpTo != "" {
		i := slices.Index(next, q.st.GetStoreKey(q.typ, su.UpTo))
		if i < 0 {
			q.report("server delta bound " + su.UpTo + " not found; resetting")
			q.Reset()
			q.refetch()
			return
		}
		next = next[:i+1]
	}

	before := update.ComposeAll(q.truthTotal, q.preemptive...)
	matched := 0
	if !gap {
		for k := len(q.preemptive); k > 0; k-- {
			if update.Equal(server, update.ComposeAll(q.truthTotal, q.preemptive[:k]...)) {
				matched = k
				break
			}
		}
	}
	if matched == 0 && len(q.preemptive) > 0 {
		slog.Debug("windowed query preemptive updates discarded", "query", q.id, "count", len(q.preemptive))
	}
	rest := slices.Clone(q.preemptive[matched:])
	if matched == 0 {
		rest = nil
	}

	oldLen := q.length
	q.truth = next
	q.truthTotal = su.Total
	q.state = su.NewState
	q.preemptive = rest
	q.status = q.status.WithCore(status.Ready) &^ status.Obsolete
	if len(rest) > 0 {
		q.status |= status.Dirty
	} else {
		q.status &^= status.Dirty
	}
	q.syncWindows()
	for _, e := range added {
		if w := e.Index / q.windowSize; w < len(q.windows) && !q.st.GetStatus(e.ID).Is(status.Ready) {
			q.windows[w] &^= WindowRecordsReady
		}
	}
	q.project()
	if len(su.Changed) > 0 {
		q.st.MarkObsolete(q.typ, su.Changed)
	}

	after := update.ComposeAll(su.Total, rest...)
	ev := update.Compose(update.Invert(before), update.Compose(server, after))
	if !ev.IsIdentity() {
		q.subs.emit(Event{Kind: EventUpdated, Query: q, Update: ev})
		start, end := affected(ev, oldLen)
		for _, sk := range ev.Changed {
			if i := slices.Index(q.keys, sk); i >= 0 {
				if start == end {
					start, end = i, i+1
				}
				start, end = min(start, i), max(end, i+1)
			}
		}
		q.ranges.rangeDidChange(max(q.length, oldLen), start, end)
	}
	q.resolveWaiting()
	q.refetch()
}

func (q *Windowed) sourceDidFinishFetch(sent []int, asked []string, refresh bool) {
	if q.status.Is(status.Destroyed) {
		return
	}
	for _, w := range sent {
		if w >= len(q.windows) {
			continue
		}
		s := q.windows[w]
		if s&WindowLoading != 0 {
			s &^= WindowLoading
		}
		if s&WindowRecordsLoading != 0 {
			s &^= WindowRecordsLoading
			if s&WindowReady != 0 {
				s |= WindowRecordsReady
			}
		}
		q.windows[w] = s
	}
	if refresh && q.refreshing {
		// The source had no delta to report.
		q.refreshing = false
		q.status &^= status.Obsolete | status.Loading
	}
	for _, sk := range asked {
		q.indexOfAnswered[sk] = true
	}
	q.resolveWaiting()
	if q.hasRequests() {
		q.scheduleFetch()
	}
}

func (q *Windowed) report(msg string) {
	if sink := q.st.Sink(); sink != nil {
		sink.Report(&diag.Error{Code: diag.ListReconciliationGap, Message: msg, Type: q.typ, QueryID: q.id})
	}
}

func (q *Windowed) scheduleFetch() {
	q.st.Loop().Defer(q.id+":fetch", q.fetch)
}

func (q *Windowed) fetch() {
	if q.status.Is(status.Destroyed) {
		return
	}
	if src := q.st.Source(); src != nil {
		src.FetchQuery(q)
	}
}

func (q *Windowed) hasRequests() bool {
	if len(q.indexOfPending) > 0 {
		return true
	}
	for _, s := range q.windows {
		if s&(WindowRequested|WindowRecordsRequested) != 0 {
			return true
		}
	}
	return false
}

// windowCount is the number of windows of the confirmed list, or -1 while
// its length is unknown.
func (q *Windowed) windowCount() int {
	if !q.status.Is(status.Ready) {
		return -1
	}
	return (q.truthTotal + q.windowSize - 1) / q.windowSize
}

func (q *Windowed) growWindows(w int) {
	for len(q.windows) <= w {
		q.windows = append(q.windows, WindowEmpty)
	}
}

func (q *Windowed) span(w int) Span {
	s := Span{Start: w * q.windowSize, End: (w + 1) * q.windowSize}
	if q.status.Is(status.Ready) {
		s.End = min(s.End, q.truthTotal)
	}
	return s
}

// syncWindows sizes the window table to the confirmed list and marks
// windows READY exactly when all their ids are known.
func (q *Windowed) syncWindows() {
	n := q.windowCount()
	if n >= 0 && len(q.windows) > n {
		q.windows = q.windows[:n]
		for w := range q.explicit {
			if w >= n {
				delete(q.explicit, w)
			}
		}
	}
	if n > 0 {
		q.growWindows(n - 1)
	}
	for w := range q.windows {
		if q.windowComplete(w) {
			q.windows[w] |= WindowReady
		} else {
			q.windows[w] &^= WindowReady | WindowRecordsReady
		}
	}
}

func (q *Windowed) windowComplete(w int) bool {
	start := w * q.windowSize
	end := min(start+q.windowSize, q.truthTotal)
	if end > len(q.truth) {
		return false
	}
	for _, sk := range q.truth[start:end] {
		if sk == "" {
			return false
		}
	}
	return true
}

// project recomputes the exposed list from the confirmed list and the
// preemptive updates.
func (q *Windowed) project() {
	keys := slices.Clone(q.truth)
	length := q.truthTotal
	for _, u := range q.preemptive {
		keys = u.Apply(keys)
		length = u.Total
	}
	q.keys, q.length = keys, length
}

func (q *Windowed) clampRange(start, end int) (int, int) {
	start = max(start, 0)
	end = max(end, start)
	if q.status.Is(status.Ready) {
		end = min(end, q.length)
		start = min(start, end)
	}
	return start, end
}

func (q *Windowed) known(start, end int) bool {
	if !q.status.Is(status.Ready) || end > len(q.keys) {
		return start == end && q.status.Is(status.Ready)
	}
	return !slices.Contains(q.keys[start:end], "")
}

func (q *Windowed) fullyLoaded() bool {
	return len(q.keys) == q.length && !slices.Contains(q.keys, "")
}

func (q *Windowed) requestRange(start, end int) {
	last := max(end-1, start) / q.windowSize
	for w := start / q.windowSize; w <= last; w++ {
		if n := q.windowCount(); n >= 0 && w >= n {
			break
		}
		q.growWindows(w)
		q.explicit[w] = true
		if q.windows[w]&(WindowRequested|WindowLoading|WindowReady) == 0 {
			q.windows[w] |= WindowRequested
		}
	}
	q.scheduleFetch()
}

// resolveWaiting answers queued range and index lookups that can now be
// answered.
func (q *Windowed) resolveWaiting() {
	ranges := q.waitingRanges
	q.waitingRanges = nil
	for _, r := range ranges {
		start, end := q.clampRange(r.start, r.end)
		if q.known(start, end) {
			r.cb(slices.Clone(q.keys[start:end]), start, end)
			continue
		}
		q.waitingRanges = append(q.waitingRanges, r)
	}

	index := q.waitingIndex
	q.waitingIndex = nil
	for _, r := range index {
		if i := slices.Index(q.keys, r.storeKey); i >= 0 {
			delete(q.indexOfAnswered, r.storeKey)
			r.cb(i)
			continue
		}
		if q.indexOfAnswered[r.storeKey] || (q.status.Is(status.Ready) && q.fullyLoaded()) {
			delete(q.indexOfAnswered, r.storeKey)
			r.cb(-1)
			continue
		}
		q.waitingIndex = append(q.waitingIndex, r)
	}
}

// refetch asks again for everything observers and queued lookups still
// need.
func (q *Windowed) refetch() {
	if q.status.Is(status.Destroyed) {
		return
	}
	if !q.status.Is(status.Ready) && (q.ranges.len() > 0 || len(q.waitingRanges) > 0) {
		q.FetchWindow(0, true, q.prefetch)
	}
	for _, r := range q.ranges.ranges(q.length) {
		if r[0] == r[1] {
			continue
		}
		for w := r[0] / q.windowSize; w <= (r[1]-1)/q.windowSize; w++ {
			q.FetchWindow(w, true, 0)
		}
	}
	for _, r := range q.waitingRanges {
		q.requestRange(r.start, r.end)
	}
	for _, r := range q.waitingIndex {
		if !q.indexOfAnswered[r.storeKey] {
			q.indexOfPending[r.storeKey] = true
		}
	}
	if len(q.indexOfPending) > 0 {
		q.scheduleFetch()
	}
}
