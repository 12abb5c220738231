package metadata_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upgrade-guard/internal/metadata"
	"upgrade-guard/internal/metadata/metadatatest"
)

func open(t *testing.T, b *metadatatest.Builder) *metadata.Module {
	t.Helper()

	path := b.MustWrite(t, t.TempDir())

	m, err := metadata.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func fullNames(types []metadata.TypeDescriptor) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.FullName()
	}

	return names
}

func TestOpen_AssemblyIdentity(t *testing.T) {
	b := metadatatest.New("Pkg.dll").WithAssembly("Pkg", "1.2.3.4", metadatatest.ECMAKey)
	b.AssemblyRef("mscorlib", "4.0.0.0", metadatatest.FrameworkToken)

	m := open(t, b)

	assert.Equal(t, "Pkg.dll", m.Name())
	assert.Equal(t, metadata.Scope{
		Name:           "Pkg",
		Version:        "1.2.3.4",
		PublicKeyToken: "b77a5c561934e089",
	}, m.Scope())
	assert.Equal(t, "Pkg, Version=1.2.3.4, Culture=neutral, PublicKeyToken=b77a5c561934e089", m.Scope().String())
	assert.Equal(t, "mscorlib", m.CorLib().Name)
	assert.Equal(t, "b77a5c561934e089", m.CorLib().PublicKeyToken)
}

func TestOpen_AssemblyRefWithFullKey(t *testing.T) {
	b := metadatatest.New("Pkg.dll")
	b.AssemblyRefWithKey("Signed", "2.0.0.0", metadatatest.ECMAKey)

	m := open(t, b)

	refs := metadata.AssemblyReferences(m)
	require.Len(t, refs, 1)
	assert.Equal(t, "b77a5c561934e089", refs[0].PublicKeyToken)
	assert.Equal(t, "Signed, Version=2.0.0.0, Culture=neutral, PublicKeyToken=b77a5c561934e089", refs[0].String())
}

func TestOpen_CoreLibrarySelection(t *testing.T) {
	tests := []struct {
		name     string
		refs     []string
		expected string
	}{
		{"framework", []string{"System.Xml", "mscorlib"}, "mscorlib"},
		{"core reference assemblies", []string{"netstandard", "System.Runtime"}, "System.Runtime"},
		{"private core library", []string{"System.Private.CoreLib"}, "System.Private.CoreLib"},
		{"netstandard", []string{"netstandard"}, "netstandard"},
		{"is the core library", nil, "Pkg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := metadatatest.New("Pkg.dll")
			for _, ref := range tt.refs {
				b.AssemblyRef(ref, "4.0.0.0", metadatatest.CoreToken)
			}

			assert.Equal(t, tt.expected, open(t, b).CorLib().Name)
		})
	}
}

func TestOpen_BareModule(t *testing.T) {
	m := open(t, metadatatest.New("Bare.netmodule").WithoutAssembly())

	assert.Equal(t, metadata.ScopeModule, m.Scope().Kind)
	assert.Equal(t, "Bare.netmodule", m.Scope().String())
	assert.Equal(t, "Bare", m.Scope().Identifier())
}

func TestModule_Types(t *testing.T) {
	m := open(t, metadatatest.Library("Pkg.dll", "Foo.Bar", "Foo.Bar/Inner", "Foo.Bar/Inner/Deep", "Global"))

	assert.Equal(t, []string{"Foo.Bar", "Foo.Bar/Inner", "Foo.Bar/Inner/Deep", "Global"}, fullNames(m.Types()))
	assert.Equal(t, []string{"Foo.Bar", "Global"}, fullNames(m.TopLevelTypes()))

	assert.True(t, m.DefinesType("Foo.Bar"))
	assert.True(t, m.DefinesType("Foo.Bar/Inner/Deep"))
	assert.False(t, m.DefinesType("Foo.Baz"))
	assert.False(t, m.DefinesType("<Module>"), "pseudo type is not reported by Types")

	for _, typ := range m.Types() {
		assert.Equal(t, m.Scope(), typ.Scope, typ.FullName())
	}
}

func TestModule_TypeReferences(t *testing.T) {
	b := metadatatest.New("Svc.dll")
	lib := b.AssemblyRef("Lib", "1.0.0.0", nil)
	outer := b.TypeRef(lib, "Lib.Model", "Outer")
	b.TypeRef(outer, "", "Inner")
	b.TypeRef(b.Module(), "Svc", "Self")
	b.TypeRef(b.ModuleRef("Part.netmodule"), "Svc", "Part")

	m := open(t, b)

	refs := metadata.TypeReferences(m)
	require.Len(t, refs, 4)

	assert.Equal(t, "Lib.Model.Outer", refs[0].FullName())
	assert.Equal(t, "Lib, Version=1.0.0.0, Culture=neutral, PublicKeyToken=null", refs[0].Scope.String())
	assert.Equal(t, "Lib.Model.Outer/Inner", refs[1].FullName())
	assert.Equal(t, refs[0].Scope, refs[1].Scope)
	assert.Equal(t, m.Scope(), refs[2].Scope)
	assert.Equal(t, metadata.Scope{Name: "Part.netmodule", Kind: metadata.ScopeModule}, refs[3].Scope)

	assert.True(t, m.HasTypeReference("Lib.Model.Outer/Inner"))
	assert.False(t, m.HasTypeReference("Lib.Model.Inner"))
}

func TestModule_MethodBodies(t *testing.T) {
	b := metadatatest.New("Pkg.dll")
	typ := b.TypeDef("Foo", "Bar")

	tiny := metadatatest.NewBody().Nop().Ldarg0().Pop().Ret()
	fat := metadatatest.NewBody().Fat().Nop().Ret()

	long := metadatatest.NewBody()
	for range 70 {
		long.Nop()
	}
	long.Ret()

	typ.Method("Tiny", tiny)
	typ.Method("Fat", fat)
	typ.Method("Long", long)
	typ.Method("Abstract", nil)

	m := open(t, b)

	var names []string
	for method := range m.Methods() {
		names = append(names, method.String())

		code, err := m.MethodBody(method)
		require.NoError(t, err, method.String())

		switch method.Name {
		case "Tiny":
			assert.Equal(t, tiny.Code(), code)
		case "Fat":
			assert.Equal(t, fat.Code(), code)
		case "Long":
			assert.Equal(t, long.Code(), code)
		case "Abstract":
			assert.False(t, method.HasBody())
			assert.Nil(t, code)
		}
	}

	assert.Equal(t, []string{"Foo.Bar::Tiny", "Foo.Bar::Fat", "Foo.Bar::Long", "Foo.Bar::Abstract"}, names)
}

func TestModule_MethodsOwnedByDeclaringType(t *testing.T) {
	b := metadatatest.New("Pkg.dll")
	b.TypeDef("A", "Empty")
	first := b.TypeDef("A", "First")
	first.Method("One", nil)
	first.Method("Two", nil)
	b.TypeDef("A", "AlsoEmpty")
	b.TypeDef("A", "Last").Method("Three", nil)

	var names []string
	for method := range open(t, b).Methods() {
		names = append(names, method.String())
	}

	assert.Equal(t, []string{"A.First::One", "A.First::Two", "A.Last::Three"}, names)
}

func TestModule_ResolveGetOrAddAsync(t *testing.T) {
	b := metadatatest.New("Svc.dll")
	api := b.ReliableAPI()
	value := b.TypeDef("Foo", "Bar")
	spec := api.GetOrAdd(api.Dict(metadatatest.String(), metadatatest.Class(value.Token())))

	m := open(t, b)

	ref, ok, err := m.ResolveMethod(spec)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "Microsoft.ServiceFabric.Data.IReliableStateManager::GetOrAddAsync", ref.FullName())
	assert.Equal(t, metadata.CallGeneric, ref.CallingConvention)
	assert.True(t, ref.HasThis)
	require.Len(t, ref.GenericArguments, 1)

	arg := ref.GenericArguments[0]
	assert.Equal(t,
		"Microsoft.ServiceFabric.Data.Collections.IReliableDictionary`2<System.String,Foo.Bar>",
		arg.FullName())
	require.True(t, arg.IsGenericInstance())
	assert.Equal(t, "31bf3856ad364e35", arg.Type.Scope.PublicKeyToken)
	assert.Equal(t, "b77a5c561934e089", arg.Args[0].Type.Scope.PublicKeyToken)
	assert.Equal(t, m.Scope(), arg.Args[1].Type.Scope)

	plain, ok, err := m.ResolveMethod(api.GetOrAddAsync)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, plain.HasGenericArguments())
}

func TestModule_ResolveMethodKinds(t *testing.T) {
	b := metadatatest.New("Pkg.dll")
	corlib := b.AssemblyRef("mscorlib", "4.0.0.0", metadatatest.FrameworkToken)
	list := b.TypeRef(corlib, "System.Collections.Generic", "List`1")
	listOfInt := b.TypeSpec(metadatatest.GenericInst(list, metadatatest.Int32()))
	add := b.MemberRef(listOfInt, "Add", metadatatest.MethodSig(true, 0, metadatatest.Primitive(metadata.ElementVoid), metadatatest.Var(0)))
	static := b.MemberRef(list, "Empty", metadatatest.MethodSig(false, 0, metadatatest.Primitive(metadata.ElementVoid)))

	helper := b.TypeDef("Foo", "Helper")
	local := helper.MethodWithSig("Make", metadatatest.MethodSig(false, 1, metadatatest.MVar(0)), nil)
	localSpec := b.MethodSpec(local, metadatatest.SZArray(metadatatest.String()))

	m := open(t, b)

	tests := []struct {
		name     string
		token    metadata.Token
		fullName string
		cc       metadata.CallingConvention
		hasThis  bool
		args     []string
	}{
		{"member on type spec", add, "System.Collections.Generic.List`1<System.Int32>::Add", metadata.CallDefault, true, nil},
		{"static member", static, "System.Collections.Generic.List`1::Empty", metadata.CallDefault, false, nil},
		{"method def", local, "Foo.Helper::Make", metadata.CallGeneric, false, nil},
		{"method spec of method def", localSpec, "Foo.Helper::Make", metadata.CallGeneric, false, []string{"System.String[]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok, err := m.ResolveMethod(tt.token)
			require.NoError(t, err)
			require.True(t, ok)

			assert.Equal(t, tt.fullName, ref.FullName())
			assert.Equal(t, tt.cc, ref.CallingConvention)
			assert.Equal(t, tt.hasThis, ref.HasThis)

			var args []string
			for _, a := range ref.GenericArguments {
				args = append(args, a.FullName())
			}

			assert.Equal(t, tt.args, args)
		})
	}
}

func TestModule_ResolveMethodRejects(t *testing.T) {
	m := open(t, metadatatest.New("Pkg.dll"))

	_, ok, err := m.ResolveMethod(metadata.NewToken(metadata.TokenStandAloneSig, 1))
	assert.NoError(t, err)
	assert.False(t, ok, "stand-alone signatures are not methods")

	_, ok, err = m.ResolveMethod(metadata.NewToken(metadata.TokenMemberRef, 9))
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestModule_ResolveType(t *testing.T) {
	b := metadatatest.New("Pkg.dll")
	corlib := b.AssemblyRef("System.Runtime", "8.0.0.0", metadatatest.CoreToken)
	dict := b.TypeRef(corlib, "System.Collections.Generic", "Dictionary`2")
	local := b.TypeDef("Foo", "Bar").Token()

	spec := b.TypeSpec(metadatatest.GenericInst(dict,
		metadatatest.Array(metadatatest.Class(local), 2),
		metadatatest.Modified(local, metadatatest.ByRef(metadatatest.Ptr(metadatatest.Int32()))),
	))

	m := open(t, b)

	sig, err := metadata.ResolveType(m, spec)
	require.NoError(t, err)
	assert.Equal(t, "System.Collections.Generic.Dictionary`2<Foo.Bar[,],System.Int32*&>", sig.FullName())

	sig, err = metadata.ResolveType(m, local)
	require.NoError(t, err)
	assert.Equal(t, metadata.SigNamed, sig.Kind)
	assert.Equal(t, "Foo.Bar", sig.FullName())

	_, err = metadata.ResolveType(m, metadata.NewToken(metadata.TokenMethodDef, 1))
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestOpen_NotAModule(t *testing.T) {
	image := metadatatest.Library("Pkg.dll", "Foo.Bar").Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("this is not a portable executable, just some text in a file")},
		{"dos stub only", append([]byte("MZ"), make([]byte, 200)...)},
		{"truncated headers", image[:0x100]},
		{"truncated section", image[:0x220]},
		{"native image", metadatatest.Library("Native.dll").WithoutCLIHeader().Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "Pkg.dll")
			require.NoError(t, os.WriteFile(path, tt.data, 0o644))

			m, err := metadata.Open(path)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, metadata.ErrNotAModule), "%v", err)
		})
	}
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := metadata.Open(filepath.Join(t.TempDir(), "absent.dll"))
	require.Error(t, err)

	assert.False(t, errors.Is(err, metadata.ErrNotAModule))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestModule_CloseTwice(t *testing.T) {
	path := metadatatest.New("Pkg.dll").MustWrite(t, t.TempDir())

	m, err := metadata.Open(path)
	require.NoError(t, err)

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
