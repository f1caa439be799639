package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Intent     string   `json:"intent" description:"one-sentence restatement"`
	Confidence float64  `json:"confidence"`
	Queries    []string `json:"queries"`
	Optional   string   `json:"optional,omitempty"`
}

func TestFromStructBuildsSchema(t *testing.T) {
	s := FromStruct(samplePayload{})
	require.NotNil(t, s)

	props, ok := s["properties"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, props, 4)

	intent := props["intent"].(map[string]any)
	assert.Equal(t, "string", intent["type"])
	assert.Equal(t, "one-sentence restatement", intent["description"])

	assert.ElementsMatch(t, []string{"intent", "confidence", "queries"}, s["required"])
}

func TestFromStructNonStruct(t *testing.T) {
	assert.Nil(t, FromStruct([]string{"a"}))
	assert.Nil(t, FromStruct("text"))
	assert.Nil(t, FromStruct(nil))
}

func TestValidateAcceptsCompleteObject(t *testing.T) {
	s := FromStruct(samplePayload{})
	obj := map[string]any{
		"intent":     "find the docs",
		"confidence": 0.8,
		"queries":    []any{"a", "b"},
	}
	assert.NoError(t, Validate(obj, s))
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	s := FromStruct(samplePayload{})
	obj := map[string]any{"intent": "find the docs", "confidence": 0.8}

	err := Validate(obj, s)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "queries", verr.Field)
}

func TestValidateRejectsWrongType(t *testing.T) {
	s := FromStruct(samplePayload{})
	obj := map[string]any{
		"intent":     "find the docs",
		"confidence": "high",
		"queries":    []any{},
	}

	err := Validate(obj, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence")
}

func TestValidateAllowsExtraFields(t *testing.T) {
	s := FromStruct(samplePayload{})
	obj := map[string]any{
		"intent":     "x",
		"confidence": 1.0,
		"queries":    []any{},
		"reasoning":  "models add these",
	}
	assert.NoError(t, Validate(obj, s))
}
