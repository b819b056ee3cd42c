package proof

import (
	"fmt"

	"github.com/capagent/cap-agent/policy"
)

// StubSystem registers a backend name (e.g. "zkvm", "halo2") without
// implementing real proof generation. A manifest may declare one of these
// backends; verification against it fails closed with ErrNotImplemented
// rather than silently passing, so an operator cannot accidentally ship a
// "verified" artifact that nothing actually checked.
type StubSystem struct {
	name string
}

// NewStubSystem constructs a stub backend registered under name.
func NewStubSystem(name string) *StubSystem {
	return &StubSystem{name: name}
}

// Name implements System.
func (s *StubSystem) Name() string { return s.name }

// Prove always fails.
func (s *StubSystem) Prove(p *policy.Policy, statement Statement, witness Witness) (Artifact, error) {
	return Artifact{}, fmt.Errorf("proof/%s: %w", s.name, ErrNotImplemented)
}

// Verify always fails.
func (s *StubSystem) Verify(statement Statement, artifact Artifact) (bool, error) {
	return false, fmt.Errorf("proof/%s: %w", s.name, ErrNotImplemented)
}
