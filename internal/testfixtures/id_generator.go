package testfixtures

import (
	"strconv"
	"sync/atomic"
)

// IDGenerator hands out "<prefix>-<n>" identifiers in issue order. It is safe for concurrent use,
// so it can stand in for uuid generation in stores and coordinators under test.
type IDGenerator struct {
	prefix string
	issued atomic.Uint64
}

// NewIDGenerator returns a generator for prefix, or "id" when prefix is empty.
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

// Next issues the following identifier.
func (g *IDGenerator) Next() string {
	return g.format(g.issued.Add(1))
}

// Last returns the most recently issued identifier, or "" before the first call to Next.
func (g *IDGenerator) Last() string {
	n := g.issued.Load()
	if n == 0 {
		return ""
	}
	return g.format(n)
}

// NextFunc adapts the generator to the func() string options used across the module.
func (g *IDGenerator) NextFunc() func() string {
	return g.Next
}

func (g *IDGenerator) format(n uint64) string {
	return g.prefix + "-" + strconv.FormatUint(n, 10)
}
