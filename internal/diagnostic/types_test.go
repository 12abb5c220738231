package diagnostic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnostic_String(t *testing.T) {
	tests := []struct {
		name     string
		d        Diagnostic
		expected string
	}{
		{"message only", Diagnostic{Message: "done"}, "done"},
		{"with code", Diagnostic{Code: CodeMissingType, Message: "not declared"}, "[missing_type] not declared"},
		{
			"with type and module",
			Diagnostic{Code: CodeMissingType, Message: "not declared", Module: "v1/Pkg.dll", Type: "Foo.Baz"},
			"[Foo.Baz] v1/Pkg.dll: [missing_type] not declared",
		},
		{"module only", Diagnostic{Message: "skipped", Module: "v2/native.dll"}, "v2/native.dll: skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.d.String())
		})
	}
}

func TestDiagnostics(t *testing.T) {
	var d Diagnostics

	assert.True(t, d.IsValid())
	assert.NoError(t, d.Error())

	d.AddInfo(CodeNotAModule, "skipped", "v2/readme.dll", "")
	d.AddWarning(CodeMalformedBody, "method skipped", "v2/Svc.dll", "")
	assert.True(t, d.IsValid())
	assert.Equal(t, 2, d.Len())

	var other Diagnostics
	other.AddError(CodeMissingModule, "no candidate", "", "Foo.Bar")
	other.AddError(CodeMissingType, "not declared", "v1/Pkg.dll", "Foo.Baz")
	d.Merge(other)

	assert.True(t, d.HasErrors())
	assert.Equal(t, 4, d.Len())
	assert.EqualError(t, d.Error(),
		"[Foo.Bar]: [missing_module] no candidate; [Foo.Baz] v1/Pkg.dll: [missing_type] not declared")
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "error", SeverityError.String())
	assert.Equal(t, "unknown", Severity(7).String())

	data, err := json.Marshal(Diagnostic{Severity: SeverityWarning, Code: CodeMalformedBody, Message: "m"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"severity":"warning","code":"malformed_body","message":"m"}`, string(data))
}
