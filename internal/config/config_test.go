package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upgrade-guard/internal/il"
	"upgrade-guard/internal/verify"
)

func TestDefault(t *testing.T) {
	c := Default()

	require.NoError(t, c.Validate())
	assert.Equal(t, il.DefaultPattern, c.Pattern())
	assert.Equal(t, []string{CoreToken, FrameworkToken}, c.Tokens().SortedValues())
	assert.Equal(t, []string{".dll", ".exe"}, c.Extensions().SortedValues())
	assert.Equal(t, runtime.NumCPU(), c.Parallelism)
	assert.Equal(t, loggo.WARNING, c.Level())
	assert.Equal(t, verify.MatchContains, c.Match())
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
persistence_api:
  declaring_type: Contoso.Data.IStateStore
  method_name: Register
platform_tokens:
  - 31BF3856AD364E35
module_extensions: [DLL, netmodule]
module_match: BaseName
parallelism: 1
log_level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, il.Pattern{DeclaringType: "Contoso.Data.IStateStore", MethodName: "Register"}, c.Pattern())
	assert.Equal(t, []string{"31bf3856ad364e35", CoreToken, FrameworkToken}, c.Tokens().SortedValues(),
		"configured tokens extend the runtime tokens")
	assert.Equal(t, []string{".dll", ".netmodule"}, c.Extensions().SortedValues())
	assert.Equal(t, verify.MatchBaseName, c.Match())
	assert.Equal(t, 1, c.Parallelism)
	assert.Equal(t, loggo.DEBUG, c.Level())
}

func TestParse_Empty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		notValid bool
	}{
		{"unqualified declaring type", "persistence_api: {declaring_type: IReliableStateManager}", true},
		{"short token", "platform_tokens: [b03f5f7f]", true},
		{"non hex token", "platform_tokens: [zz3f5f7f11d50a3a]", true},
		{"extension with separator", "module_extensions: [lib/.dll]", true},
		{"unknown module match", "module_match: exact", true},
		{"negative parallelism", "parallelism: -2", true},
		{"unknown log level", "log_level: chatty", true},
		{"unknown field", "paralelism: 2", false},
		{"not yaml", "parallelism: [", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, tt.notValid, errors.Is(err, errors.NotValid), "%v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upgrade-guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("parallelism: 3\n"), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Parallelism)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
