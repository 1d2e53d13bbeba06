package testkit

import (
	"math/rand"
	"sync"

	"golmm/adapters/memory"
	"golmm/adapters/optim"
	"golmm/internal"
	"golmm/internal/lmm"
	"golmm/ports"
)

// TestKit wires real in-memory adapters and deterministic fakes for tests
type TestKit struct {
	ledger *memory.Ledger
}

// NewTestKit creates a kit with a shared in-memory ledger
func NewTestKit() *TestKit {
	return &TestKit{ledger: memory.NewLedger()}
}

// LedgerAdapter returns the shared ledger with full access
func (t *TestKit) LedgerAdapter() ports.LedgerPort {
	return t.ledger
}

// LedgerReaderAdapter returns read-only access to the same storage
func (t *TestKit) LedgerReaderAdapter() ports.LedgerReaderPort {
	return t.ledger
}

// RNGAdapter returns a deterministic stream provider
func (t *TestKit) RNGAdapter() ports.RNGPort {
	return &RNGAdapter{}
}

// OptimizerFactory returns the real optimizer panel factory
func (t *TestKit) OptimizerFactory() ports.OptimizerFactory {
	return optim.NewFactory()
}

// Fitter returns a quiet model fitter backed by the real panel
func (t *TestKit) Fitter() *lmm.Fitter {
	return lmm.NewFitter(t.OptimizerFactory(),
		lmm.WithLogger(internal.NewLogger(internal.LogLevelError)))
}

// RNGAdapter implements ports.RNGPort with name-derived deterministic seeds
type RNGAdapter struct{}

// Stream derives a generator whose seed mixes the operation name into the
// base seed, so distinct operations get independent reproducible streams.
func (r *RNGAdapter) Stream(name string, baseSeed int64) *rand.Rand {
	seed := baseSeed
	if name != "" {
		seed += int64(hashString(name))
	}
	return rand.New(rand.NewSource(seed))
}

// hashString is the djb2 hash, enough to spread operation names
func hashString(s string) uint32 {
	var hash uint32 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint32(c)
	}
	return hash
}

// ProgressRecorder captures stage events for assertions
type ProgressRecorder struct {
	mu     sync.Mutex
	events []ports.StageEvent
}

// NewProgressRecorder creates an empty recorder
func NewProgressRecorder() *ProgressRecorder {
	return &ProgressRecorder{}
}

// Publish appends the event
func (p *ProgressRecorder) Publish(event ports.StageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns a copy of everything published so far
func (p *ProgressRecorder) Events() []ports.StageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.StageEvent(nil), p.events...)
}

// States returns just the state sequence
func (p *ProgressRecorder) States() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = string(e.State)
	}
	return out
}
