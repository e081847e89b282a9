package store

// AggregateSource combines several sources. Fetches go to the first source
// that accepts them; commits go to every source that accepts them and
// complete when all of those have finished.
type AggregateSource struct {
	sources []Source
}

// NewAggregateSource returns a source trying sources in order.
func NewAggregateSource(sources ...Source) *AggregateSource {
	return &AggregateSource{sources: append([]Source(nil), sources...)}
}

// AddSource appends a source.
func (a *AggregateSource) AddSource(s Source) {
	a.sources = append(a.sources, s)
}

// Sources returns the inner sources in order.
func (a *AggregateSource) Sources() []Source {
	return append([]Source(nil), a.sources...)
}

// FetchRecord implements Source.
func (a *AggregateSource) FetchRecord(st *Store, typ, id string) bool {
	for _, s := range a.sources {
		if s.FetchRecord(st, typ, id) {
			return true
		}
	}
	return false
}

// RefreshRecord implements Source.
func (a *AggregateSource) RefreshRecord(st *Store, typ, id string) bool {
	for _, s := range a.sources {
		if s.RefreshRecord(st, typ, id) {
			return true
		}
	}
	return false
}

// FetchAllRecords implements Source.
func (a *AggregateSource) FetchAllRecords(st *Store, typ, clientState string) bool {
	for _, s := range a.sources {
		if s.FetchAllRecords(st, typ, clientState) {
			return true
		}
	}
	return false
}

// FetchQuery implements Source.
func (a *AggregateSource) FetchQuery(q Query) bool {
	for _, s := range a.sources {
		if s.FetchQuery(q) {
			return true
		}
	}
	return false
}

// CommitChanges implements Source. done runs once, after the last accepting
// source has called its own done. If no source accepts, done never runs.
func (a *AggregateSource) CommitChanges(st *Store, changes Changes, done func()) bool {
	// One extra count for this loop so that a source finishing
	// synchronously cannot fire done before the others were asked.
	remaining := 1
	finish := func() {
		remaining--
		if remaining == 0 && done != nil {
			done()
		}
	}
	accepted := false
	for _, s := range a.sources {
		remaining++
		if s.CommitChanges(st, changes, finish) {
			accepted = true
		} else {
			remaining--
		}
	}
	if !accepted {
		return false
	}
	finish()
	return true
}
