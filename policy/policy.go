// Copyright 2025 CAP Agent Project
//
// Package policy loads, validates, canonicalizes, and hashes compliance
// policies (C4). Two generations coexist: a legacy "constraints" shape and
// a v2 "rules" shape; both canonicalize to a JSON AST before hashing.
//
// Canonicalization and hashing are grounded on the teacher's
// pkg/commitment.CanonicalizeJSON; the lint-diagnostic aggregation pattern
// (blocking E1xxx vs advisory W1xxx codes collected into one report) is
// grounded on sigstore-policy-controller's policy validation package,
// which returns a list of field-level errors rather than failing on the
// first one.
package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	"github.com/capagent/cap-agent/capcrypto"
)

// Generation distinguishes the two coexisting policy shapes.
type Generation string

const (
	GenerationLegacy Generation = "legacy"
	GenerationV2     Generation = "v2"
)

// Recognized v2 operators (§4.4).
const (
	OpNonMembership = "non_membership"
	OpEq            = "eq"
	OpRangeMin      = "range_min"
)

var recognizedV2Operators = map[string]bool{
	OpNonMembership: true,
	OpEq:            true,
	OpRangeMin:      true,
}

// Recognized legacy predicates (§4.4).
const (
	PredRequireAtLeastOneUBO   = "require_at_least_one_ubo"
	PredSupplierCountMax       = "supplier_count_max"
	PredUBOCountMin            = "ubo_count_min"
	PredRequireStatementRoots  = "require_statement_roots"
)

var recognizedLegacyPredicates = map[string]bool{
	PredRequireAtLeastOneUBO:  true,
	PredSupplierCountMax:      true,
	PredUBOCountMin:           true,
	PredRequireStatementRoots: true,
}

// Recognized built-ins for v2 rule expressions.
var recognizedBuiltins = map[string]bool{
	"now": true, "len": true, "max": true, "sub": true,
}

// Rule is one v2 policy rule.
type Rule struct {
	ID       string                 `json:"id" mapstructure:"id"`
	Operator string                 `json:"operator" mapstructure:"operator"`
	Input    string                 `json:"input,omitempty" mapstructure:"input"`
	Value    interface{}            `json:"value,omitempty" mapstructure:"value"`
	Expr     string                 `json:"expr,omitempty" mapstructure:"expr"`
	Extra    map[string]interface{} `json:"-" mapstructure:",remain"`
}

// InputSpec declares a typed input a v2 rule may reference.
type InputSpec struct {
	Name string `json:"name" mapstructure:"-"`
	Type string `json:"type" mapstructure:"type"`
}

// Policy is the validated, in-memory representation of a loaded policy.
type Policy struct {
	Generation  Generation
	ID          string
	Version     string
	LegalBasis  string
	Rules       []Rule            // v2 only
	Inputs      map[string]InputSpec // v2 only
	Constraints map[string]interface{} // legacy only

	// raw is a copy of the document as loaded. Canonicalize() derives the
	// hashed AST from a copy of it (rules sorted by id) and leaves raw as is.
	raw map[string]interface{}
}

// Severity distinguishes blocking lints from advisory ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one machine-readable lint finding.
type Diagnostic struct {
	Code     string
	Severity Severity
	Message  string
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s[%s]: %s", d.Code, d.Severity, d.Message)
}

// Mode controls how strictly Validate enforces optional-but-recommended
// fields like legal_basis.
type Mode int

const (
	ModeStrict Mode = iota
	ModeRelaxed
)

// Load accepts a policy object already decoded by the external parser (a
// YAML or JSON document turned into Go values) and produces a Policy. The
// diagnostics result is always nil; lint diagnostics come from Validate.
// Load does not itself read files or parse syntax —
// that is an external collaborator's job per spec.md §1.
func Load(raw map[string]interface{}) (*Policy, []Diagnostic, error) {
	if raw == nil {
		return nil, nil, fmt.Errorf("policy: nil document")
	}

	p := &Policy{raw: deepCopyMap(raw)}

	if id, ok := stringField(raw, "id"); ok {
		p.ID = id
	} else if name, ok := stringField(raw, "name"); ok {
		p.ID = name
	}
	if v, ok := stringField(raw, "version"); ok {
		p.Version = v
	}
	if lb, ok := stringField(raw, "legal_basis"); ok {
		p.LegalBasis = lb
	}

	if rulesRaw, ok := raw["rules"]; ok {
		p.Generation = GenerationV2
		rules, err := decodeRules(rulesRaw)
		if err != nil {
			return nil, nil, fmt.Errorf("policy: decode rules: %w", err)
		}
		p.Rules = rules
		if inputsRaw, ok := raw["inputs"]; ok {
			inputs, err := decodeInputs(inputsRaw)
			if err != nil {
				return nil, nil, fmt.Errorf("policy: decode inputs: %w", err)
			}
			p.Inputs = inputs
		}
	} else if constraintsRaw, ok := raw["constraints"]; ok {
		p.Generation = GenerationLegacy
		constraints, ok := asMap(constraintsRaw)
		if !ok {
			return nil, nil, fmt.Errorf("policy: constraints must be an object")
		}
		p.Constraints = constraints
	} else {
		return nil, nil, fmt.Errorf("policy: document has neither rules nor constraints")
	}

	return p, nil, nil
}

// Validate runs the mandatory-field, uniqueness, operator, and
// variable-resolution checks from §4.4, returning every diagnostic found
// (not just the first). A non-nil error is returned only when at least one
// blocking (SeverityError) diagnostic was found; it aggregates all blocking
// diagnostics via a *multierror.Error so a caller can `errors.As` or just
// print it.
func Validate(p *Policy, mode Mode) ([]Diagnostic, error) {
	var diags []Diagnostic

	if p.ID == "" {
		diags = append(diags, Diagnostic{Code: "E1001", Severity: SeverityError, Message: "policy requires id or name"})
	}
	if p.Version == "" {
		diags = append(diags, Diagnostic{Code: "E1002", Severity: SeverityError, Message: "policy requires version"})
	}
	if p.LegalBasis == "" {
		if mode == ModeStrict {
			diags = append(diags, Diagnostic{Code: "E1003", Severity: SeverityError, Message: "legal_basis is required in strict mode"})
		} else {
			diags = append(diags, Diagnostic{Code: "W1003", Severity: SeverityWarning, Message: "legal_basis is absent"})
		}
	}

	switch p.Generation {
	case GenerationV2:
		diags = append(diags, validateV2Rules(p)...)
	case GenerationLegacy:
		diags = append(diags, validateLegacyConstraints(p)...)
	default:
		diags = append(diags, Diagnostic{Code: "E1000", Severity: SeverityError, Message: "policy has no recognized generation"})
	}

	var merr *multierror.Error
	for _, d := range diags {
		if d.Severity == SeverityError {
			merr = multierror.Append(merr, d)
		}
	}
	if merr != nil {
		return diags, merr.ErrorOrNil()
	}
	return diags, nil
}

func validateV2Rules(p *Policy) []Diagnostic {
	var diags []Diagnostic

	seen := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if r.ID == "" {
			diags = append(diags, Diagnostic{Code: "E1010", Severity: SeverityError, Message: "v2 rule missing id"})
			continue
		}
		if seen[r.ID] {
			diags = append(diags, Diagnostic{Code: "E1011", Severity: SeverityError, Message: fmt.Sprintf("duplicate rule id %q", r.ID)})
		}
		seen[r.ID] = true

		if !recognizedV2Operators[r.Operator] {
			diags = append(diags, Diagnostic{Code: "E1012", Severity: SeverityError, Message: fmt.Sprintf("rule %q: unrecognized operator %q", r.ID, r.Operator)})
		}

		if r.Input != "" && p.Inputs != nil {
			if _, ok := p.Inputs[r.Input]; !ok {
				diags = append(diags, Diagnostic{Code: "E1013", Severity: SeverityError, Message: fmt.Sprintf("rule %q references undeclared input %q", r.ID, r.Input)})
			}
		}

		if r.Expr != "" {
			if err := validateExpr(r.Expr, p.Inputs); err != nil {
				diags = append(diags, Diagnostic{Code: "E1014", Severity: SeverityError, Message: fmt.Sprintf("rule %q: %v", r.ID, err)})
			}
		}
	}
	return diags
}

func validateLegacyConstraints(p *Policy) []Diagnostic {
	var diags []Diagnostic
	for key := range p.Constraints {
		if !recognizedLegacyPredicates[key] {
			diags = append(diags, Diagnostic{Code: "W1020", Severity: SeverityWarning, Message: fmt.Sprintf("unrecognized legacy predicate %q", key)})
		}
	}
	return diags
}

// validateExpr does a lightweight scan of a rule expression: every bare
// identifier used as a function call must be a recognized built-in
// (now/len/max/sub), every ISO-8601 duration literal must match P<n>D, and
// every variable reference must resolve to a declared input.
func validateExpr(expr string, inputs map[string]InputSpec) error {
	tokens := tokenizeExpr(expr)
	for _, tok := range tokens {
		if tok.isCall {
			if !recognizedBuiltins[tok.name] {
				return fmt.Errorf("unrecognized built-in %q", tok.name)
			}
			continue
		}
		if tok.isDuration {
			if !isISODuration(tok.name) {
				return fmt.Errorf("malformed ISO-8601 duration %q", tok.name)
			}
			continue
		}
		if tok.isIdent {
			if inputs != nil {
				if _, ok := inputs[tok.name]; !ok {
					return fmt.Errorf("unresolved variable %q", tok.name)
				}
			}
		}
	}
	return nil
}

type exprToken struct {
	name       string
	isCall     bool
	isDuration bool
	isIdent    bool
}

// tokenizeExpr is a minimal scanner: identifiers immediately followed by
// "(" are calls; tokens of at least three characters that start with "P"
// and end with "D" are treated as duration literals (whether the part in
// between is digits is checked later, by isISODuration); everything else
// alphabetic is a plain identifier. This is intentionally not a full
// expression grammar — the core only needs to validate references, not
// evaluate arbitrary expressions (evaluation happens in the proof engine
// against concrete witness data).
func tokenizeExpr(expr string) []exprToken {
	var tokens []exprToken
	var cur strings.Builder
	flush := func(nextIsParen bool) {
		if cur.Len() == 0 {
			return
		}
		name := cur.String()
		cur.Reset()
		if isDurationLiteral(name) {
			tokens = append(tokens, exprToken{name: name, isDuration: true})
			return
		}
		if nextIsParen {
			tokens = append(tokens, exprToken{name: name, isCall: true})
			return
		}
		tokens = append(tokens, exprToken{name: name, isIdent: true})
	}

	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '(':
			flush(true)
		case isIdentRune(c):
			cur.WriteRune(c)
		default:
			flush(false)
		}
	}
	flush(false)
	return tokens
}

func isIdentRune(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func isDurationLiteral(s string) bool {
	return len(s) >= 3 && s[0] == 'P' && s[len(s)-1] == 'D'
}

func isISODuration(s string) bool {
	if !isDurationLiteral(s) {
		return false
	}
	digits := s[1 : len(s)-1]
	if digits == "" {
		return false
	}
	if _, err := strconv.Atoi(digits); err != nil {
		return false
	}
	return true
}

// Canonicalize sorts rules by id ascending (object keys and number
// normalization happen inside capcrypto.CanonicalJSON at hash time) and
// returns the canonicalized AST.
func Canonicalize(p *Policy) map[string]interface{} {
	out := deepCopyMap(p.raw)

	if rulesRaw, ok := out["rules"].([]interface{}); ok {
		sort.SliceStable(rulesRaw, func(i, j int) bool {
			ri, _ := asMap(rulesRaw[i])
			rj, _ := asMap(rulesRaw[j])
			idi, _ := stringField(ri, "id")
			idj, _ := stringField(rj, "id")
			return idi < idj
		})
		out["rules"] = rulesRaw
	}
	return out
}

// Hash computes the policy hash: d256(canonical_json(canonicalized_policy)).
// The surface rendering differs by generation: "sha3-256:<hex>" for v2,
// "0x<hex>" for legacy.
func Hash(p *Policy) (string, error) {
	canonical := Canonicalize(p)
	canonBytes, err := capcrypto.CanonicalJSONOf(canonical)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize for hash: %w", err)
	}
	d := capcrypto.D256(canonBytes)
	hexDigest := capcrypto.HexEncode(d[:])

	switch p.Generation {
	case GenerationV2:
		return "sha3-256:" + hexDigest, nil
	default:
		return "0x" + hexDigest, nil
	}
}

func decodeRules(raw interface{}) ([]Rule, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("rules must be an array")
	}
	rules := make([]Rule, 0, len(list))
	for _, item := range list {
		m, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("each rule must be an object")
		}
		var r Rule
		if err := mapstructure.Decode(m, &r); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func decodeInputs(raw interface{}) (map[string]InputSpec, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("inputs must be an object")
	}
	out := make(map[string]InputSpec, len(m))
	for name, v := range m {
		spec := InputSpec{Name: name}
		if s, ok := v.(string); ok {
			spec.Type = s
		} else if err := mapstructure.Decode(v, &spec); err != nil {
			return nil, fmt.Errorf("decode input %q: %w", name, err)
		}
		out[name] = spec
	}
	return out, nil
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return vv
	}
}
