package collect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upgrade-guard/internal/diagnostic"
	"upgrade-guard/internal/il"
	mt "upgrade-guard/internal/metadata/metadatatest"
)

// codePackage writes a code package with two services, a library that never
// touches the state manager and a few files that are not managed modules.
func codePackage(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	mt.Service("Svc.dll", mt.External("Pkg", "Foo.Bar"), mt.Local("Svc.Model.Order")).MustWrite(t, dir)
	mt.Service("Worker.exe", mt.External("Pkg", "Foo.Bar"), mt.External("Pkg", "Foo.Baz")).MustWrite(t, filepath.Join(dir, "plugins"))
	mt.Library("Pkg.dll", "Foo.Bar", "Foo.Baz").MustWrite(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "native.dll"), []byte("MZ but not really"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("GetOrAddAsync"), 0o644))

	return dir
}

func TestCollector_Collect(t *testing.T) {
	dir := codePackage(t)

	report, err := New(Options{Parallelism: 1}).CollectReport(context.Background(), dir, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"Foo.Bar", "Foo.Baz", "Svc.Model.Order", "System.String"}, fullNames(report.Types))
	assert.Equal(t, []string{
		filepath.Join(dir, "Svc.dll"),
		filepath.Join(dir, "plugins", "Worker.exe"),
	}, report.Scanned)
	assert.Equal(t, []string{
		filepath.Join(dir, "Pkg.dll"),
		filepath.Join(dir, "native.dll"),
	}, report.Skipped)

	require.Len(t, report.Diagnostics.Infos, 2)
	assert.Equal(t, diagnostic.CodeNoPersistenceAPI, report.Diagnostics.Infos[0].Code)
	assert.Equal(t, diagnostic.CodeNotAModule, report.Diagnostics.Infos[1].Code)
	assert.True(t, report.Diagnostics.IsValid())

	for typ := range report.Types.All() {
		if typ.FullName() == "Svc.Model.Order" {
			assert.Equal(t, "Svc", typ.Scope.Identifier(), "local types are scoped to the declaring module")
		}
	}
}

func TestCollector_ParallelMatchesSequential(t *testing.T) {
	dir := codePackage(t)

	sequential, err := New(Options{Parallelism: 1}).CollectReport(context.Background(), dir, true)
	require.NoError(t, err)

	for _, n := range []int{2, 8} {
		parallel, err := New(Options{Parallelism: n}).CollectReport(context.Background(), dir, true)
		require.NoError(t, err)

		assert.Equal(t, sequential.Types.Sorted(), parallel.Types.Sorted())
		assert.Equal(t, sequential.Scanned, parallel.Scanned)
		assert.Equal(t, sequential.Skipped, parallel.Skipped)
		assert.Equal(t, sequential.Diagnostics, parallel.Diagnostics)
	}
}

func TestCollector_Stateless(t *testing.T) {
	types, err := New(Options{}).Collect(context.Background(), filepath.Join(t.TempDir(), "absent"), false)
	require.NoError(t, err)
	assert.True(t, types.IsEmpty(), "the package directory is not read")
}

func TestCollector_NoMatchingCallSites(t *testing.T) {
	dir := t.TempDir()
	mt.Service("Svc.dll").MustWrite(t, dir)
	mt.Library("Pkg.dll", "Foo.Bar").MustWrite(t, dir)

	types, err := New(Options{}).Collect(context.Background(), dir, true)
	require.NoError(t, err)
	assert.True(t, types.IsEmpty())
}

func TestCollector_MalformedBody(t *testing.T) {
	var writer loggo.TestWriter
	require.NoError(t, loggo.RegisterWriter("collect-test", &writer))
	t.Cleanup(func() { _, _ = loggo.RemoveWriter("collect-test") })

	dir := t.TempDir()
	b := mt.Service("Svc.dll", mt.Local("Svc.Model.Order"))
	b.TypeDef("Svc", "Broken").Method("Run", mt.NewBody().Raw(0x24).Ret())
	b.MustWrite(t, dir)

	report, err := New(Options{}).CollectReport(context.Background(), dir, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"Svc.Model.Order", "System.String"}, fullNames(report.Types), "other methods are still scanned")
	require.Len(t, report.Diagnostics.Warnings, 1)
	assert.Equal(t, diagnostic.CodeMalformedBody, report.Diagnostics.Warnings[0].Code)
	assert.Equal(t, "Svc.Broken", report.Diagnostics.Warnings[0].Type)

	var warned bool
	for _, entry := range writer.Log() {
		warned = warned || (entry.Level == loggo.WARNING && entry.Module == "upgradeguard.collect")
	}

	assert.True(t, warned, "malformed bodies are logged as warnings")
}

func TestCollector_CustomPattern(t *testing.T) {
	dir := codePackage(t)

	types, err := New(Options{Pattern: il.Pattern{DeclaringType: il.DefaultDeclaringType, MethodName: "AddOrUpdateAsync"}}).Collect(context.Background(), dir, true)
	require.NoError(t, err)
	assert.True(t, types.IsEmpty())
}

func TestCollector_Errors(t *testing.T) {
	_, err := New(Options{}).Collect(context.Background(), filepath.Join(t.TempDir(), "absent"), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = New(Options{}).Collect(ctx, codePackage(t), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
}
