package testutil

import (
	"fmt"
	"sync"
)

// SequentialUIDs hands out predictable uids (prefix-000001, prefix-000002,
// ...) so golden output does not depend on random uuids.
type SequentialUIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialUIDs creates a generator. An empty prefix becomes "uid".
func NewSequentialUIDs(prefix string) *SequentialUIDs {
	if prefix == "" {
		prefix = "uid"
	}
	return &SequentialUIDs{prefix: prefix}
}

// Next returns the next uid.
func (g *SequentialUIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
