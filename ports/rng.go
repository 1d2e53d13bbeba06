package ports

import (
	"math/rand"
)

// RNGPort provides seeded random number generation so concurrent fits and
// synthetic datasets replay identically for the same base seed.
type RNGPort interface {
	// Stream derives a deterministic generator for a named operation. The
	// same (name, baseSeed) pair always yields an identical stream, and
	// distinct names yield independent streams.
	Stream(name string, baseSeed int64) *rand.Rand
}
