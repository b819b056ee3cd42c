package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func v2Doc() map[string]interface{} {
	return map[string]interface{}{
		"id":          "lksg-2026",
		"version":     "2.0",
		"legal_basis": "LkSG §5",
		"inputs": map[string]interface{}{
			"supplier_count": map[string]interface{}{"type": "int"},
			"sanctions_list": map[string]interface{}{"type": "set"},
		},
		"rules": []interface{}{
			map[string]interface{}{
				"id":       "r2",
				"operator": OpRangeMin,
				"input":    "supplier_count",
				"value":    float64(1),
			},
			map[string]interface{}{
				"id":       "r1",
				"operator": OpNonMembership,
				"input":    "sanctions_list",
			},
		},
	}
}

func legacyDoc() map[string]interface{} {
	return map[string]interface{}{
		"name":        "legacy-2025",
		"version":     "1.0",
		"legal_basis": "LkSG §5",
		"constraints": map[string]interface{}{
			PredRequireAtLeastOneUBO: true,
			PredSupplierCountMax:     float64(500),
		},
	}
}

func TestLoadV2Policy(t *testing.T) {
	p, _, err := Load(v2Doc())
	require.NoError(t, err)
	require.Equal(t, GenerationV2, p.Generation)
	require.Len(t, p.Rules, 2)
	require.Len(t, p.Inputs, 2)
}

func TestLoadLegacyPolicy(t *testing.T) {
	p, _, err := Load(legacyDoc())
	require.NoError(t, err)
	require.Equal(t, GenerationLegacy, p.Generation)
	require.Equal(t, "legacy-2025", p.ID)
}

func TestValidateV2PolicyPasses(t *testing.T) {
	p, _, err := Load(v2Doc())
	require.NoError(t, err)
	diags, err := Validate(p, ModeStrict)
	require.NoError(t, err)
	require.Empty(t, diags)
}

func TestValidateDetectsDuplicateRuleID(t *testing.T) {
	doc := v2Doc()
	rules := doc["rules"].([]interface{})
	dup := rules[0].(map[string]interface{})
	dup["id"] = "r1"

	p, _, err := Load(doc)
	require.NoError(t, err)
	diags, err := Validate(p, ModeStrict)
	require.Error(t, err)

	var found bool
	for _, d := range diags {
		if d.Code == "E1011" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateDetectsUnrecognizedOperator(t *testing.T) {
	doc := v2Doc()
	rules := doc["rules"].([]interface{})
	rules[0].(map[string]interface{})["operator"] = "frobnicate"

	p, _, err := Load(doc)
	require.NoError(t, err)
	diags, err := Validate(p, ModeStrict)
	require.Error(t, err)

	var found bool
	for _, d := range diags {
		if d.Code == "E1012" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateRelaxedModeWarnsOnMissingLegalBasis(t *testing.T) {
	doc := v2Doc()
	delete(doc, "legal_basis")

	p, _, err := Load(doc)
	require.NoError(t, err)
	diags, err := Validate(p, ModeRelaxed)
	require.NoError(t, err)

	var found bool
	for _, d := range diags {
		if d.Code == "W1003" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateStrictModeBlocksOnMissingLegalBasis(t *testing.T) {
	doc := v2Doc()
	delete(doc, "legal_basis")

	p, _, err := Load(doc)
	require.NoError(t, err)
	_, err = Validate(p, ModeStrict)
	require.Error(t, err)
}

func TestValidateLegacyWarnsOnUnrecognizedPredicate(t *testing.T) {
	doc := legacyDoc()
	doc["constraints"].(map[string]interface{})["made_up_predicate"] = true

	p, _, err := Load(doc)
	require.NoError(t, err)
	diags, err := Validate(p, ModeStrict)
	require.NoError(t, err)

	var found bool
	for _, d := range diags {
		if d.Code == "W1020" {
			found = true
		}
	}
	require.True(t, found)
}

func TestHashIsDeterministicAndOrderIndependent(t *testing.T) {
	docA := v2Doc()
	pA, _, err := Load(docA)
	require.NoError(t, err)
	hashA, err := Hash(pA)
	require.NoError(t, err)
	require.Regexp(t, `^sha3-256:[0-9a-f]{64}$`, hashA)

	// Reorder the rules slice; the hash must be unchanged because
	// Canonicalize sorts rules by id before hashing.
	docB := v2Doc()
	rules := docB["rules"].([]interface{})
	rules[0], rules[1] = rules[1], rules[0]
	pB, _, err := Load(docB)
	require.NoError(t, err)
	hashB, err := Hash(pB)
	require.NoError(t, err)

	require.Equal(t, hashA, hashB)
}

func TestHashLegacyUsesHexPrefix(t *testing.T) {
	p, _, err := Load(legacyDoc())
	require.NoError(t, err)
	h, err := Hash(p)
	require.NoError(t, err)
	require.Regexp(t, `^0x[0-9a-f]{64}$`, h)
}

func TestValidateExprRejectsUnresolvedVariable(t *testing.T) {
	doc := v2Doc()
	rules := doc["rules"].([]interface{})
	rules[0].(map[string]interface{})["expr"] = "sub(now(), ghost_var) < P30D"

	p, _, err := Load(doc)
	require.NoError(t, err)
	diags, err := Validate(p, ModeStrict)
	require.Error(t, err)

	var found bool
	for _, d := range diags {
		if d.Code == "E1014" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateExprAcceptsBuiltinsAndDuration(t *testing.T) {
	doc := v2Doc()
	rules := doc["rules"].([]interface{})
	rules[0].(map[string]interface{})["expr"] = "sub(now(), supplier_count) < P30D"

	p, _, err := Load(doc)
	require.NoError(t, err)
	_, err = Validate(p, ModeStrict)
	require.NoError(t, err)
}
