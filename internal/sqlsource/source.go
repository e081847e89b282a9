package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/value"
)

var _ store.Source = (*Source)(nil)

// post runs fn on the store's loop in a later turn.
func post(st *store.Store, fn func()) bool {
	return st.Loop().Post(fn)
}

// FetchRecord implements store.Source.
func (s *Source) FetchRecord(st *store.Store, typ, id string) bool {
	if s.isClosed() {
		return false
	}
	data, ok, err := getData(context.Background(), s.db, typ, id)
	if err != nil {
		slog.Warn("fetch record failed", "type", typ, "id", id, "error", err)
		return false
	}
	slog.Debug("fetch record", "type", typ, "id", id, "found", ok)
	if !ok {
		return post(st, func() { st.SourceCouldNotFindRecords(typ, []string{id}) })
	}
	return post(st, func() { st.SourceDidFetchRecords(typ, []value.Object{data}, "", false) })
}

// RefreshRecord implements store.Source.
func (s *Source) RefreshRecord(st *store.Store, typ, id string) bool {
	return s.FetchRecord(st, typ, id)
}

// FetchAllRecords implements store.Source. A client holding a state this
// source can account for gets the records written since and the ids
// deleted since; anyone else gets the whole type.
func (s *Source) FetchAllRecords(st *store.Store, typ, clientState string) bool {
	if s.isClosed() {
		return false
	}
	ctx := context.Background()
	cur, err := typeSeq(ctx, s.db, typ)
	if err != nil {
		slog.Warn("fetch all failed", "type", typ, "error", err)
		return false
	}
	state := formatState(cur)

	since, ok := parseState(clientState)
	if !ok || since > cur {
		records, err := s.allOfType(ctx, typ)
		if err != nil {
			slog.Warn("fetch all failed", "type", typ, "error", err)
			return false
		}
		slog.Debug("fetch all", "type", typ, "state", state, "records", len(records))
		return post(st, func() { st.SourceDidFetchRecords(typ, records, state, true) })
	}

	puts, deletes, err := changesSince(ctx, s.db, typ, since)
	if err != nil {
		slog.Warn("fetch updates failed", "type", typ, "error", err)
		return false
	}
	records, err := getMany(ctx, s.db, typ, puts)
	if err != nil {
		slog.Warn("fetch updates failed", "type", typ, "error", err)
		return false
	}
	slog.Debug("fetch updates", "type", typ, "from", clientState, "to", state,
		"written", len(records), "deleted", len(deletes))
	return post(st, func() {
		st.SourceDidFetchUpdates(typ, nil, deletes, clientState, state)
		if len(records) > 0 {
			st.SourceDidFetchRecords(typ, records, state, false)
		}
	})
}

func (s *Source) allOfType(ctx context.Context, typ string) ([]value.Object, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM records WHERE type = ?
		ORDER BY id COLLATE BINARY ASC
	`, typ)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	out := []value.Object{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		obj, err := unmarshalData(data)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// typeOutcome is what one commit did to one record type.
type typeOutcome struct {
	clientState string
	oldState    string
	newState    string

	created      map[string]value.Object
	notCreated   []string
	updated      []string
	notUpdated   []string
	destroyed    []string
	notDestroyed []string
}

// CommitChanges implements store.Source. The whole change set is applied
// in one transaction. Creates get an id from Config.NewID unless the record
// carries one; updates merge the changed attributes into the stored row.
// Updates and destroys of rows that do not exist, and creates of ids that
// do, fail permanently. Every type that was written moves to a new state.
func (s *Source) CommitChanges(st *store.Store, changes store.Changes, done func()) bool {
	if s.isClosed() {
		return false
	}
	types := slices.Sorted(maps.Keys(changes))
	outcomes := make(map[string]*typeOutcome, len(types))
	err := s.withTx(context.Background(), func(tx *sql.Tx) error {
		for _, typ := range types {
			out, err := s.commitType(context.Background(), tx, st, typ, changes[typ])
			if err != nil {
				return fmt.Errorf("commit %s: %w", typ, err)
			}
			outcomes[typ] = out
		}
		return nil
	})
	if err != nil {
		slog.Warn("commit failed", "types", types, "error", err)
		var keys []string
		for _, typ := range types {
			tc := changes[typ]
			keys = append(keys, tc.Create.StoreKeys...)
			keys = append(keys, tc.Update.StoreKeys...)
			keys = append(keys, tc.Destroy.StoreKeys...)
		}
		return post(st, func() {
			st.SourceDidError(keys, err)
			done()
		})
	}

	return post(st, func() {
		for _, typ := range types {
			out := outcomes[typ]
			if len(out.created) > 0 {
				st.SourceDidCommitCreate(out.created)
			}
			st.SourceDidNotCreate(out.notCreated, true)
			st.SourceDidCommitUpdate(out.updated)
			st.SourceDidNotUpdate(out.notUpdated, true)
			st.SourceDidCommitDestroy(out.destroyed)
			st.SourceDidNotDestroy(out.notDestroyed, true)
			// A client that never loaded the type holds no state to move.
			if out.newState != "" && out.clientState != "" {
				st.SourceCommitDidChangeState(typ, out.oldState, out.newState)
			}
		}
		done()
	})
}

func (s *Source) commitType(ctx context.Context, tx *sql.Tx, st *store.Store, typ string, tc *store.TypeChanges) (*typeOutcome, error) {
	out := &typeOutcome{clientState: tc.State, created: make(map[string]value.Object)}
	cur, err := typeSeq(ctx, tx, typ)
	if err != nil {
		return nil, err
	}
	out.oldState = formatState(cur)
	pk := tc.PrimaryKey
	if pk == "" {
		pk = store.DefaultPrimaryKey
	}

	var seq int64
	nextSeq := func() (int64, error) {
		if seq == 0 {
			var err error
			if seq, err = bumpType(ctx, tx, typ); err != nil {
				return 0, err
			}
		}
		return seq, nil
	}

	for i, sk := range tc.Create.StoreKeys {
		data := tc.Create.Records[i].Clone()
		if data == nil {
			data = value.Object{}
		}
		id := data.StringOf(pk)
		if id == "" {
			if id, err = s.cfg.NewID(); err != nil {
				return nil, fmt.Errorf("new id: %w", err)
			}
			data[pk] = value.String(id)
		} else if _, exists, err := getData(ctx, tx, typ, id); err != nil {
			return nil, err
		} else if exists {
			out.notCreated = append(out.notCreated, sk)
			continue
		}
		n, err := nextSeq()
		if err != nil {
			return nil, err
		}
		if err := putData(ctx, tx, typ, id, data, n); err != nil {
			return nil, err
		}
		if err := logChange(ctx, tx, typ, n, id, changePut); err != nil {
			return nil, err
		}
		out.created[sk] = value.Object{pk: value.String(id)}
	}

	for i, sk := range tc.Update.StoreKeys {
		id := st.GetIDFromStoreKey(sk)
		if id == "" {
			id = tc.Update.Records[i].StringOf(pk)
		}
		stored, exists, err := getData(ctx, tx, typ, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			out.notUpdated = append(out.notUpdated, sk)
			continue
		}
		next := stored.Clone()
		for _, attr := range tc.Update.Changed[i] {
			if v, ok := tc.Update.Records[i][attr]; ok {
				next[attr] = v
			} else {
				delete(next, attr)
			}
		}
		n, err := nextSeq()
		if err != nil {
			return nil, err
		}
		if err := putData(ctx, tx, typ, id, next, n); err != nil {
			return nil, err
		}
		if err := logChange(ctx, tx, typ, n, id, changePut); err != nil {
			return nil, err
		}
		out.updated = append(out.updated, sk)
	}

	for i, sk := range tc.Destroy.StoreKeys {
		ok, err := deleteData(ctx, tx, typ, tc.Destroy.IDs[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			out.notDestroyed = append(out.notDestroyed, sk)
			continue
		}
		n, err := nextSeq()
		if err != nil {
			return nil, err
		}
		if err := logChange(ctx, tx, typ, n, tc.Destroy.IDs[i], changeDelete); err != nil {
			return nil, err
		}
		out.destroyed = append(out.destroyed, sk)
	}

	if seq != 0 {
		out.newState = formatState(seq)
	}
	slog.Debug("committed type", "type", typ, "from", out.oldState, "to", out.newState,
		"creates", len(out.created), "updates", len(out.updated), "destroys", len(out.destroyed))
	return out, nil
}
