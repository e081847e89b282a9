package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/roach88/recsync/internal/value"
)

// Record is one stored record.
type Record struct {
	Type string
	ID   string
	Data value.Object
	Seq  int64
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// State returns the current state token of typ. A type nobody wrote to is
// at state "0".
func (s *Source) State(ctx context.Context, typ string) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	seq, err := typeSeq(ctx, s.db, typ)
	if err != nil {
		return "", err
	}
	return formatState(seq), nil
}

// Get returns the data of one record.
func (s *Source) Get(ctx context.Context, typ, id string) (value.Object, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	data, ok, err := getData(ctx, s.db, typ, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", typ, id, ErrNotFound)
	}
	return data, nil
}

// Put writes a record as another client would: the type moves to a new
// state and the write is logged. data is stored as given. It returns the
// new state.
func (s *Source) Put(ctx context.Context, typ, id string, data value.Object) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	var state string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := bumpType(ctx, tx, typ)
		if err != nil {
			return err
		}
		if err := putData(ctx, tx, typ, id, data, seq); err != nil {
			return err
		}
		if err := logChange(ctx, tx, typ, seq, id, changePut); err != nil {
			return err
		}
		state = formatState(seq)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", typ, id, err)
	}
	return state, nil
}

// Delete removes a record as another client would and returns the new
// state.
func (s *Source) Delete(ctx context.Context, typ, id string) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	var state string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := deleteData(ctx, tx, typ, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		seq, err := bumpType(ctx, tx, typ)
		if err != nil {
			return err
		}
		if err := logChange(ctx, tx, typ, seq, id, changeDelete); err != nil {
			return err
		}
		state = formatState(seq)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("delete %s/%s: %w", typ, id, err)
	}
	return state, nil
}

// Dump returns every record of typ, or of every type when typ is "",
// ordered by type, then write sequence, then id.
//
// Returns empty slice (not nil) if there are no records.
func (s *Source) Dump(ctx context.Context, typ string) ([]Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	query := `SELECT type, id, data, seq FROM records`
	var args []any
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY type COLLATE BINARY ASC, seq ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var rec Record
		var data string
		if err := rows.Scan(&rec.Type, &rec.ID, &data, &rec.Seq); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if rec.Data, err = unmarshalData(data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Types returns every type that has a state, sorted.
func (s *Source) Types(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT type FROM type_states ORDER BY type COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query types: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			return nil, fmt.Errorf("scan type: %w", err)
		}
		out = append(out, typ)
	}
	return out, rows.Err()
}

func (s *Source) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const (
	changePut    = "put"
	changeDelete = "delete"
)

func formatState(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

func parseState(state string) (int64, bool) {
	seq, err := strconv.ParseInt(state, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func typeSeq(ctx context.Context, q querier, typ string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT seq FROM type_states WHERE type = ?`, typ).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read type state: %w", err)
	}
	return seq, nil
}

func bumpType(ctx context.Context, q querier, typ string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO type_states (type, seq) VALUES (?, 1)
		ON CONFLICT(type) DO UPDATE SET seq = seq + 1
		RETURNING seq
	`, typ).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("bump type state: %w", err)
	}
	return seq, nil
}

func getData(ctx context.Context, q querier, typ, id string) (value.Object, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM records WHERE type = ? AND id = ?`, typ, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read record: %w", err)
	}
	obj, err := unmarshalData(data)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// getMany returns the data of the given ids that exist, in the order given.
func getMany(ctx context.Context, q querier, typ string, ids []string) ([]value.Object, error) {
	var out []value.Object
	for chunk := range slices.Chunk(ids, 500) {
		query := `SELECT id, data FROM records WHERE type = ? AND id IN (?` + repeatPlaceholder(len(chunk)-1) + `)`
		args := make([]any, 0, len(chunk)+1)
		args = append(args, typ)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}
		found := make(map[string]value.Object, len(chunk))
		for rows.Next() {
			var id, data string
			if err := rows.Scan(&id, &data); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan record: %w", err)
			}
			obj, err := unmarshalData(data)
			if err != nil {
				rows.Close()
				return nil, err
			}
			found[id] = obj
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate records: %w", err)
		}
		for _, id := range chunk {
			if obj, ok := found[id]; ok {
				out = append(out, obj)
			}
		}
	}
	return out, nil
}

func repeatPlaceholder(n int) string {
	b := make([]byte, 0, 2*n)
	for range n {
		b = append(b, ",?"...)
	}
	return string(b)
}

func putData(ctx context.Context, q querier, typ, id string, data value.Object, seq int64) error {
	encoded, err := marshalData(data)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (type, id, data, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET data = excluded.data, seq = excluded.seq
	`, typ, id, encoded, seq)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func deleteData(ctx context.Context, q querier, typ, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM records WHERE type = ? AND id = ?`, typ, id)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return n > 0, nil
}

func logChange(ctx context.Context, q querier, typ string, seq int64, id, kind string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO changes (type, seq, id, kind) VALUES (?, ?, ?, ?)
		ON CONFLICT(type, seq, id) DO UPDATE SET kind = excluded.kind
	`, typ, seq, id, kind)
	if err != nil {
		return fmt.Errorf("log change: %w", err)
	}
	return nil
}

// changesSince returns the ids of typ written and deleted after seq, each
// sorted. An id's last change decides which list it lands in.
func changesSince(ctx context.Context, q querier, typ string, since int64) (puts, deletes []string, err error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind FROM changes
		WHERE type = ? AND seq > ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, typ, since)
	if err != nil {
		return nil, nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()
	last := make(map[string]string)
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, nil, fmt.Errorf("scan change: %w", err)
		}
		last[id] = kind
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate changes: %w", err)
	}
	for id, kind := range last {
		if kind == changeDelete {
			deletes = append(deletes, id)
		} else {
			puts = append(puts, id)
		}
	}
	slices.Sort(puts)
	slices.Sort(deletes)
	return puts, deletes, nil
}

func marshalData(data value.Object) (string, error) {
	if data == nil {
		data = value.Object{}
	}
	b, err := value.MarshalCanonical(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

func unmarshalData(data string) (value.Object, error) {
	if data == "" || data == "{}" {
		return value.Object{}, nil
	}
	obj, err := value.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return obj, nil
}
