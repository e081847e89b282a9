package sqlsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/recsync/internal/query"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/update"
	"github.com/roach88/recsync/internal/value"
)

// FetchQuery implements store.Source for *query.Windowed; other queries
// are refused.
//
// The list is recomputed from the records table at the type's current
// state. A refresh from a state this source still has a snapshot for is
// answered with a delta; from any other state with an update the query
// cannot place, which resets it. Requested id windows, record windows and
// index lookups are then answered at the current state, and the list is
// snapshotted for the next refresh.
func (s *Source) FetchQuery(q store.Query) bool {
	w, ok := q.(*query.Windowed)
	if !ok || s.isClosed() {
		return false
	}
	st := w.Store()
	req := w.SourceWillFetchQuery()
	if req.Empty() {
		return post(st, req.Done)
	}

	resp, err := s.answer(context.Background(), w, req)
	if err != nil {
		slog.Warn("fetch query failed", "query", w.ID(), "error", err)
		return post(st, req.Done)
	}
	slog.Debug("fetch query", "query", w.ID(), "state", resp.state, "total", resp.total,
		"id_windows", len(resp.ids), "records", len(resp.records), "delta", resp.delta != nil)

	return post(st, func() {
		if resp.delta != nil {
			w.SourceDidFetchUpdate(*resp.delta)
		}
		if len(resp.records) > 0 {
			st.SourceDidFetchRecords(w.Type(), resp.records, "", false)
		}
		for _, ids := range resp.ids {
			w.SourceDidFetchIDs(ids)
		}
		req.Done()
	})
}

type queryResponse struct {
	state   string
	total   int
	delta   *query.ServerUpdate
	ids     []query.IDsResponse
	records []value.Object
}

func (s *Source) answer(ctx context.Context, w *query.Windowed, req query.FetchRequest) (*queryResponse, error) {
	var resp queryResponse
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := typeSeq(ctx, tx, w.Type())
		if err != nil {
			return err
		}
		resp.state = formatState(seq)
		list, err := listIDs(ctx, tx, w)
		if err != nil {
			return err
		}
		resp.total = len(list)

		if req.Refresh && req.State != resp.state {
			delta, err := s.delta(ctx, tx, w, req.State, resp.state, list)
			if err != nil {
				return err
			}
			resp.delta = &delta
		}

		for _, span := range req.IDs {
			resp.ids = append(resp.ids, idsAt(list, span, resp.state))
		}
		for _, id := range req.IndexOf {
			if i := slices.Index(list, id); i >= 0 {
				size := w.WindowSize()
				start := i / size * size
				resp.ids = append(resp.ids, idsAt(list, query.Span{Start: start, End: start + size}, resp.state))
			}
		}
		var want []string
		for _, span := range req.Records {
			start, end := clampSpan(span, len(list))
			want = append(want, list[start:end]...)
		}
		if len(want) > 0 {
			if resp.records, err = getMany(ctx, tx, w.Type(), want); err != nil {
				return err
			}
		}
		return s.saveSnapshot(ctx, tx, w.ID(), resp.state, list)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// delta describes how the list served at oldState became list. Without a
// snapshot for oldState the update starts from a state the query does not
// hold, which makes it reset.
func (s *Source) delta(ctx context.Context, q querier, w *query.Windowed, oldState, newState string, list []string) (query.ServerUpdate, error) {
	old, ok, err := loadSnapshot(ctx, q, w.ID(), oldState)
	if err != nil {
		return query.ServerUpdate{}, err
	}
	since, parsed := parseState(oldState)
	if !ok || !parsed {
		slog.Debug("no snapshot for query state", "query", w.ID(), "state", oldState)
		return query.ServerUpdate{NewState: newState, Total: len(list)}, nil
	}

	u := update.Diff(old, list)
	su := query.ServerUpdate{
		OldState: oldState,
		NewState: newState,
		Removed:  slices.Clone(u.RemovedIDs),
		Added:    u.Added(),
		Total:    u.Total,
	}
	puts, _, err := changesSince(ctx, q, w.Type(), since)
	if err != nil {
		return query.ServerUpdate{}, err
	}
	moved := make(map[string]bool, len(u.AddedIDs))
	for _, id := range u.AddedIDs {
		moved[id] = true
	}
	for _, id := range puts {
		if !moved[id] && slices.Contains(old, id) && slices.Contains(list, id) {
			su.Changed = append(su.Changed, id)
		}
	}
	return su, nil
}

func listIDs(ctx context.Context, q querier, w *query.Windowed) ([]string, error) {
	sqlText, params, err := compileList(w.Type(), w.Filter(), w.SortBy())
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query list: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate list: %w", err)
	}
	return out, nil
}

func clampSpan(span query.Span, n int) (int, int) {
	start := min(max(span.Start, 0), n)
	end := min(max(span.End, start), n)
	return start, end
}

func idsAt(list []string, span query.Span, state string) query.IDsResponse {
	start, end := clampSpan(span, len(list))
	return query.IDsResponse{
		State:    state,
		Total:    len(list),
		Position: start,
		IDs:      slices.Clone(list[start:end]),
	}
}

func loadSnapshot(ctx context.Context, q querier, key, state string) ([]string, bool, error) {
	var text string
	err := q.QueryRowContext(ctx, `SELECT ids FROM query_snapshots WHERE query_key = ? AND state = ?`, key, state).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(text), &ids); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return ids, true, nil
}

// saveSnapshot stores list as served at state and keeps only the most
// recent snapshots of the query.
func (s *Source) saveSnapshot(ctx context.Context, q querier, key, state string, list []string) error {
	arr := make(value.Array, len(list))
	for i, id := range list {
		arr[i] = value.String(id)
	}
	text, err := value.MarshalCanonical(arr)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO query_snapshots (query_key, state, ids) VALUES (?, ?, ?)
	`, key, state, string(text)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		DELETE FROM query_snapshots
		WHERE query_key = ? AND rowid NOT IN (
			SELECT rowid FROM query_snapshots WHERE query_key = ?
			ORDER BY rowid DESC LIMIT ?
		)
	`, key, key, s.cfg.MaxQuerySnapshots); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}
