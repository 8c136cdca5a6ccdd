package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addSchema() Schema {
	return Schema{
		"x": {Type: TypeNumber, Description: "first addend", Required: true},
		"y": {Type: TypeNumber, Description: "second addend", Required: true},
		"precision": {
			Type:    TypeInteger,
			Minimum: floatPtr(0),
			Maximum: floatPtr(10),
		},
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestSchemaValidateAccepts(t *testing.T) {
	s := addSchema()
	require.NoError(t, s.ValidateSelf())
	require.NoError(t, s.Validate(map[string]any{"x": 2.0, "y": 2.0}))
	require.NoError(t, s.Validate(map[string]any{"x": 1, "y": 2, "precision": 3}))
}

func TestSchemaValidateMissingRequired(t *testing.T) {
	err := addSchema().Validate(map[string]any{"x": 2.0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArguments))
	assert.Contains(t, err.Error(), "y")
}

func TestSchemaValidateUnknownParameter(t *testing.T) {
	err := addSchema().Validate(map[string]any{"x": 1, "y": 2, "z": 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArguments))
}

func TestSchemaValidateTypeMismatch(t *testing.T) {
	err := addSchema().Validate(map[string]any{"x": "two", "y": 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArguments))
}

func TestSchemaValidateRangeViolation(t *testing.T) {
	err := addSchema().Validate(map[string]any{"x": 1, "y": 2, "precision": 99})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArguments))
}

func TestSchemaValidateStringConstraints(t *testing.T) {
	s := Schema{
		"mode": {
			Type:     TypeString,
			Required: true,
			Enum:     []any{"fast", "thorough"},
		},
	}
	require.NoError(t, s.Validate(map[string]any{"mode": "fast"}))
	err := s.Validate(map[string]any{"mode": "sloppy"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArguments))
}

func TestSchemaSelfValidation(t *testing.T) {
	bad := Schema{"p": {Type: "tuple"}}
	err := bad.ValidateSelf()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchema))
}

func TestSchemaCloneIsDeep(t *testing.T) {
	s := addSchema()
	c := s.Clone()
	c["x"] = Parameter{Type: TypeString}
	assert.Equal(t, TypeNumber, s["x"].Type)
}
