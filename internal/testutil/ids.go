package testutil

import "strconv"

// DefaultIDPrefix is used when an IDSequence has no prefix.
const DefaultIDPrefix = "id-"

// IDSequence hands out predictable server ids: prefix+"1", prefix+"2", ...
//
// Its Next method has the shape of sqlsource.IDGenerator, so a source
// built with it assigns the same ids on every run and traces can be
// compared byte for byte. The zero value is ready to use.
type IDSequence struct {
	prefix string
	seq    Sequence
}

// NewIDSequence creates an id sequence with the given prefix.
func NewIDSequence(prefix string) *IDSequence {
	return &IDSequence{prefix: prefix}
}

// Next returns the next id. It never fails.
func (g *IDSequence) Next() (string, error) {
	prefix := g.prefix
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return prefix + strconv.FormatInt(g.seq.Next(), 10), nil
}
