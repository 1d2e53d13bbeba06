package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Equals checks if two hashes are equal
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// Domain-specific hash types
type (
	DatasetHash Hash
	SpecHash    Hash
	CodeVersion string
)

// Constructors
func NewDatasetHash(data []byte) DatasetHash { return DatasetHash(NewHash(data)) }
func NewSpecHash(data []byte) SpecHash       { return SpecHash(NewHash(data)) }

// String conversions
func (h DatasetHash) String() string { return Hash(h).String() }
func (h SpecHash) String() string    { return Hash(h).String() }

// ComputeSpecHash derives a deterministic hash from a model specification's
// canonical fields. Map entries are folded in sorted key order so equal
// specifications always hash identically.
func ComputeSpecHash(fields map[string]interface{}) SpecHash {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	for _, key := range keys {
		data.WriteString(key)
		data.WriteString(fmt.Sprintf("%v", fields[key]))
	}

	return NewSpecHash([]byte(data.String()))
}

// ComputeRunFingerprint combines everything that determines a run's result
// into a single hash so identical runs can be recognized and replayed.
func ComputeRunFingerprint(datasetHash DatasetHash, specHash SpecHash, configDigest Hash, seed int64, codeVersion CodeVersion) Hash {
	data := fmt.Sprintf("dataset:%s|spec:%s|config:%s|seed:%d|code:%s",
		datasetHash, specHash, configDigest, seed, codeVersion)
	return NewHash([]byte(data))
}
