package sqlsource

import (
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	ErrClosed   = errors.New("sqlsource: closed")
	ErrNotFound = errors.New("sqlsource: record not found")
)

// Defaults.
const (
	DefaultPath              = ":memory:"
	DefaultMaxQuerySnapshots = 8
	MaxQuerySnapshotsLimit   = 1024
)

// IDGenerator assigns server ids to created records.
type IDGenerator func() (string, error)

// UUIDv7 returns time-ordered UUIDv7 ids.
func UUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Config configures a Source.
type Config struct {
	// Path is the SQLite database file. ":memory:" keeps everything in
	// memory for the lifetime of the Source.
	Path string

	// NewID assigns ids to created records that do not carry one.
	NewID IDGenerator

	// MaxQuerySnapshots is how many past id lists are kept per windowed
	// query. A client whose state is older than every kept snapshot gets
	// its list reset instead of a delta.
	MaxQuerySnapshots int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:              DefaultPath,
		NewID:             UUIDv7,
		MaxQuerySnapshots: DefaultMaxQuerySnapshots,
	}
}

// validate fills zero values with defaults and clamps out-of-range values.
func (c *Config) validate() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.NewID == nil {
		c.NewID = UUIDv7
	}
	if c.MaxQuerySnapshots <= 0 {
		c.MaxQuerySnapshots = DefaultMaxQuerySnapshots
	}
	if c.MaxQuerySnapshots > MaxQuerySnapshotsLimit {
		c.MaxQuerySnapshots = MaxQuerySnapshotsLimit
	}
}
