package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"properties": { "name": {"type": "string"}, "age": {"type": "integer", "minimum": 0} },
	"required": ["name", "age"]
}`

func TestValidate(t *testing.T) {
	sch, err := CompileSchema(personSchema)
	require.NoError(t, err)
	require.NotNil(t, sch)

	cases := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"valid", `{"name": "John Doe", "age": 30}`, ""},
		{"missing required", `{"name": "Test"}`, "missing properties: 'age'"},
		{"wrong type", `{"name": "Test", "age": "thirty"}`, "expected integer, but got string"},
		{"below minimum", `{"name": "Test", "age": -5}`, "must be >= 0 but found -5"},
		{"empty object", `{}`, "missing properties"},
		{"not json", `not json`, "failed to unmarshal JSON data"},
		{"empty data", ``, "failed to unmarshal JSON data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(sch, []byte(tc.data))
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := CompileSchema(`{"type": "object", "properties": {"name": {"type": "str"}}}`)
	assert.ErrorContains(t, err, "failed to compile JSON schema")
}

func TestCompileSchema_Empty(t *testing.T) {
	sch, err := CompileSchema("")
	assert.NoError(t, err)
	assert.Nil(t, sch)
	assert.NoError(t, Validate(nil, []byte(`[1,2,3]`)))
	assert.Error(t, Validate(nil, []byte(`{`)))
}
