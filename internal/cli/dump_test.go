package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/sqlsource"
	"github.com/roach88/recsync/internal/value"
)

// createDumpDB writes two todos and one note to a database file.
func createDumpDB(t *testing.T) string {
	t.Helper()
	cfg := sqlsource.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "recsync.db")
	src, err := sqlsource.Open(cfg)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	_, err = src.Put(ctx, "Todo", "a", value.Object{"id": value.String("a"), "title": value.String("one")})
	require.NoError(t, err)
	_, err = src.Put(ctx, "Todo", "b", value.Object{"id": value.String("b"), "done": value.Bool(true)})
	require.NoError(t, err)
	_, err = src.Put(ctx, "Note", "n", value.Object{"id": value.String("n")})
	require.NoError(t, err)
	return cfg.Path
}

func TestDumpCommand_Text(t *testing.T) {
	db := createDumpDB(t)

	stdout, _, code := runCLI(t, "dump", "--db", db)
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, `Note (state 1, 1 record(s))
  n  {"id":"n"}
Todo (state 2, 2 record(s))
  a  {"id":"a","title":"one"}
  b  {"done":true,"id":"b"}
`, stdout)
}

func TestDumpCommand_TypeFilter(t *testing.T) {
	db := createDumpDB(t)

	stdout, _, code := runCLI(t, "--format", "json", "dump", "--db", db, "--type", "Todo")
	assert.Equal(t, ExitSuccess, code)

	var resp struct {
		Status string     `json:"status"`
		Data   DumpResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Types, 1)

	td := resp.Data.Types[0]
	assert.Equal(t, "Todo", td.Type)
	assert.Equal(t, "2", td.State)
	require.Len(t, td.Records, 2)
	assert.Equal(t, "a", td.Records[0].ID)
	assert.Equal(t, int64(1), td.Records[0].Seq)
	assert.Equal(t, map[string]any{"id": "a", "title": "one"}, td.Records[0].Data)
}

func TestDumpCommand_UnknownType(t *testing.T) {
	db := createDumpDB(t)

	stdout, _, code := runCLI(t, "dump", "--db", db, "--type", "Tag")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "Tag (state 0, 0 record(s))\n", stdout)
}

func TestDumpCommand_Errors(t *testing.T) {
	t.Run("missing db", func(t *testing.T) {
		stdout, _, code := runCLI(t, "dump", "--db", filepath.Join(t.TempDir(), "none.db"))
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, stdout, "Error [E_NOT_FOUND]: database not found")
	})

	t.Run("db flag required", func(t *testing.T) {
		_, stderr, code := runCLI(t, "dump")
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, stderr, `required flag(s) "db" not set`)
	})
}
