package proof

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/capagent/cap-agent/capcrypto"
	"github.com/capagent/cap-agent/policy"
)

// MockSystem is a structured, I/O-free backend: Prove genuinely evaluates
// the policy's constraints against the witness and bakes the resulting
// named checks into the artifact's payload; Verify only recomputes the
// statement hash and trusts those baked-in checks at face value. Verify
// never touches the filesystem, network, clock, or randomness, so it is
// safe to run inside the sandboxed verifier execution model (§6).
type MockSystem struct{}

// NewMockSystem constructs the mock backend.
func NewMockSystem() *MockSystem { return &MockSystem{} }

// Name implements System.
func (m *MockSystem) Name() string { return "mock" }

// Prove evaluates p's constraints against witness and statement, and bakes
// the resulting []CheckResult into the artifact's payload as canonical
// JSON. Prove itself is allowed to use the clock (GeneratedAt); Verify
// never does.
func (m *MockSystem) Prove(p *policy.Policy, statement Statement, witness Witness) (Artifact, error) {
	statementHash, err := statement.Hash()
	if err != nil {
		return Artifact{}, err
	}

	checks, err := evaluateChecks(p, statement, witness)
	if err != nil {
		return Artifact{}, err
	}

	payload, err := capcrypto.CanonicalJSONOf(checks)
	if err != nil {
		return Artifact{}, fmt.Errorf("proof/mock: canonicalize checks: %w", err)
	}

	return Artifact{
		Backend:       m.Name(),
		StatementHash: statementHash,
		Payload:       payload,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

// Verify is pure: it recomputes the statement hash and checks that every
// named check baked into the artifact's payload evaluated to true. Per the
// soundness property this backend is held to, Verify trusts the payload's
// booleans rather than re-deriving them from a policy and witness it
// never sees.
func (m *MockSystem) Verify(statement Statement, artifact Artifact) (bool, error) {
	if artifact.Backend != m.Name() {
		return false, fmt.Errorf("proof/mock: artifact backend %q does not match %q", artifact.Backend, m.Name())
	}
	statementHash, err := statement.Hash()
	if err != nil {
		return false, err
	}
	if statementHash != artifact.StatementHash {
		return false, nil
	}

	var checks []CheckResult
	if err := json.Unmarshal(artifact.Payload, &checks); err != nil {
		return false, fmt.Errorf("proof/mock: unmarshal checks: %w", err)
	}
	if len(checks) == 0 {
		return false, nil
	}
	for _, c := range checks {
		if !c.OK {
			return false, nil
		}
	}
	return true, nil
}

// evaluateChecks dispatches to the legacy-predicate or v2-rule evaluator
// depending on p's generation.
func evaluateChecks(p *policy.Policy, stmt Statement, witness Witness) ([]CheckResult, error) {
	switch p.Generation {
	case policy.GenerationV2:
		return evaluateV2Rules(p, witness)
	default:
		return evaluateLegacyConstraints(p, stmt, witness)
	}
}

func evaluateLegacyConstraints(p *policy.Policy, stmt Statement, witness Witness) ([]CheckResult, error) {
	names := make([]string, 0, len(p.Constraints))
	for name := range p.Constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		value := p.Constraints[name]
		var ok bool
		switch name {
		case policy.PredRequireAtLeastOneUBO:
			ok = witness.UBOCount >= 1
		case policy.PredSupplierCountMax:
			max, err := numberFromInterface(value)
			if err != nil {
				return nil, fmt.Errorf("proof/mock: %s: %w", name, err)
			}
			ok = float64(witness.SupplierCount) <= max
		case policy.PredUBOCountMin:
			min, err := numberFromInterface(value)
			if err != nil {
				return nil, fmt.Errorf("proof/mock: %s: %w", name, err)
			}
			ok = float64(witness.UBOCount) >= min
		case policy.PredRequireStatementRoots:
			ok = stmt.SanctionsRoot != "" && stmt.JurisdictionRoot != ""
		default:
			// Unrecognized predicates are flagged by the policy linter
			// (W1020) in policy.Validate; Prove does not evaluate them.
			continue
		}
		results = append(results, CheckResult{Name: name, OK: ok})
	}
	return results, nil
}

func evaluateV2Rules(p *policy.Policy, witness Witness) ([]CheckResult, error) {
	results := make([]CheckResult, 0, len(p.Rules))
	for _, r := range p.Rules {
		var ok bool
		switch r.Operator {
		case policy.OpNonMembership:
			ok = len(witness.SanctionedHashes) == 0
		case policy.OpEq:
			ok = witness.Values[r.Input] == fmt.Sprint(r.Value)
		case policy.OpRangeMin:
			min, err := numberFromInterface(r.Value)
			if err != nil {
				return nil, fmt.Errorf("proof/mock: rule %q: %w", r.ID, err)
			}
			got, err := strconv.ParseFloat(witness.Values[r.Input], 64)
			if err != nil {
				return nil, fmt.Errorf("proof/mock: rule %q: witness value for %q is not numeric: %w", r.ID, r.Input, err)
			}
			ok = got >= min
		default:
			continue
		}
		results = append(results, CheckResult{Name: r.ID, OK: ok})
	}
	return results, nil
}

func numberFromInterface(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
