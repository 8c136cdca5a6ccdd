package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() Record {
	return Record{
		FunctionID:  "7b0cdd2e-4d0f-44d6-9b6a-2f3f8a1d9c01",
		Name:        "add",
		Description: "Add two numbers together, plus arithmetic sum",
		ProviderID:  "calc-1",
		ServiceName: "calc",
		ParameterSchema: Schema{
			"x": {Type: TypeNumber, Required: true},
			"y": {Type: TypeNumber, Required: true},
		},
		Tags:      []string{"math"},
		Freshness: time.Now().UTC(),
	}
}

func TestRecordValidate(t *testing.T) {
	rec := validRecord()
	require.NoError(t, rec.Validate())

	missing := rec
	missing.FunctionID = ""
	assert.ErrorIs(t, missing.Validate(), ErrMissingFunctionID)

	missing = rec
	missing.Name = ""
	assert.ErrorIs(t, missing.Validate(), ErrMissingName)

	missing = rec
	missing.ServiceName = ""
	assert.ErrorIs(t, missing.Validate(), ErrMissingServiceName)

	missing = rec
	missing.ParameterSchema = nil
	assert.ErrorIs(t, missing.Validate(), ErrEmptySchema)
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := validRecord()
	c := rec.Clone()

	c.Tags[0] = "mutated"
	c.ParameterSchema["x"] = Parameter{Type: TypeString}

	assert.Equal(t, "math", rec.Tags[0])
	assert.Equal(t, TypeNumber, rec.ParameterSchema["x"].Type)
}

func TestRecordHasTag(t *testing.T) {
	rec := validRecord()
	assert.True(t, rec.HasTag("math"))
	assert.False(t, rec.HasTag("text"))
}
