package sqlsource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(Config{Path: path})
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"records", "type_states", "changes", "query_snapshots"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(Config{Path: filepath.Join(t.TempDir(), "missing", "dir", "test.db")})
	assert.Error(t, err)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec("INSERT INTO type_states (type, seq) VALUES ('T', 1)")
	require.NoError(t, err)
	var seq int
	require.NoError(t, s.db.QueryRow("SELECT seq FROM type_states WHERE type = 'T'").Scan(&seq))
	assert.Equal(t, 1, seq)
}

func TestPragmas(t *testing.T) {
	s := createTestSource(t)

	tests := []struct{ name, want string }{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(tt.name, tt.want))
		})
	}
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestSource(t)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var name string
	err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_records_type_seq'").Scan(&name)
	assert.NoError(t, err)
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	_, err = s.db.Exec("DROP INDEX idx_records_type_seq")
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	s.Close()

	s, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()
	var name string
	assert.NoError(t, s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_records_type_seq'").Scan(&name))
}

func TestClose_MultipleCalls(t *testing.T) {
	s := createTestSource(t)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err := s.State(t.Context(), "Todo")
	assert.ErrorIs(t, err, ErrClosed)
	st, _ := createTestStore(t, s)
	assert.False(t, s.FetchRecord(st, "Todo", "a"))
	assert.False(t, s.FetchAllRecords(st, "Todo", ""))
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{MaxQuerySnapshots: MaxQuerySnapshotsLimit + 1}
	cfg.validate()

	assert.Equal(t, DefaultPath, cfg.Path)
	assert.NotNil(t, cfg.NewID)
	assert.Equal(t, MaxQuerySnapshotsLimit, cfg.MaxQuerySnapshots)

	cfg = Config{MaxQuerySnapshots: -3}
	cfg.validate()
	assert.Equal(t, DefaultMaxQuerySnapshots, cfg.MaxQuerySnapshots)
}

func TestUUIDv7(t *testing.T) {
	a, err := UUIDv7()
	require.NoError(t, err)
	b, err := UUIDv7()
	require.NoError(t, err)

	assert.Len(t, a, 36)
	assert.Equal(t, byte('7'), a[14])
	assert.NotEqual(t, a, b)
}
