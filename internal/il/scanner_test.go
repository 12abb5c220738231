package il

import (
	"slices"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upgrade-guard/internal/metadata"
	mt "upgrade-guard/internal/metadata/metadatatest"
)

func openModule(t *testing.T, b *mt.Builder) *metadata.Module {
	t.Helper()

	m, err := metadata.Open(b.MustWrite(t, t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func methodNamed(t *testing.T, m *metadata.Module, name string) metadata.Method {
	t.Helper()

	for method := range m.Methods() {
		if method.Name == name {
			return method
		}
	}

	require.FailNow(t, "method not found", name)

	return metadata.Method{}
}

func TestScanner_Scan(t *testing.T) {
	b := mt.New("Svc.dll")
	api := b.ReliableAPI()
	lib := b.AssemblyRef("Model", "1.0.0.0", nil)
	order := b.TypeRef(lib, "Model", "Order")
	list := b.TypeRef(api.CoreLib, "System.Collections.Generic", "List`1")
	local := b.TypeDef("Svc", "Local").Token()

	other := b.TypeRef(b.AssemblyRef("Other", "1.0.0.0", nil), "Other", "StateManager")
	otherGetOrAdd := b.MemberRef(other, "GetOrAddAsync", mt.MethodSig(true, 1, mt.MVar(0), mt.String()))
	tryGet := b.MemberRef(api.StateManager, "TryGetAsync", mt.MethodSig(true, 1, mt.MVar(0), mt.String()))
	helper := b.TypeDef("Svc", "Helper")
	factory := helper.MethodWithSig("Make", mt.MethodSig(false, 1, mt.MVar(0)), mt.NewBody().Ldnull().Ret())

	svc := b.TypeDef("Svc", "Service")
	svc.Method("Matching", mt.NewBody().
		Ldarg0().Ldstr(1).Callvirt(api.GetOrAdd(api.Dict(mt.String(), mt.Class(order)))).Pop().
		Ldarg0().Ldstr(2).Call(api.GetOrAdd(api.QueueOf(mt.Class(local)))).Pop().
		Ldarg0().Ldstr(3).Callvirt(api.GetOrAdd(api.Dict(mt.Int32(), mt.GenericInst(list, mt.SZArray(mt.Class(order)))))).Pop().
		Ret())
	svc.Method("Ignored", mt.NewBody().
		Ldarg0().Ldstr(1).Callvirt(b.MethodSpec(tryGet, api.Dict(mt.String(), mt.Class(order)))).Pop().
		Ldarg0().Ldstr(1).Callvirt(b.MethodSpec(otherGetOrAdd, api.Dict(mt.String(), mt.Class(order)))).Pop().
		Ldarg0().Ldstr(1).Callvirt(api.GetOrAdd(mt.Class(order))).Pop().
		Ldarg0().Ldstr(1).Callvirt(api.GetOrAdd(api.Dict(mt.String(), mt.MVar(0)))).Pop().
		Calli(metadata.NewToken(metadata.TokenStandAloneSig, 1)).
		Call(b.MethodSpec(factory, api.Dict(mt.String(), mt.Class(order)))).Pop().
		Ret())
	svc.Method("Abstract", nil)

	m := openModule(t, b)
	scanner := NewScanner(m, DefaultPattern)

	seq, err := scanner.Scan(methodNamed(t, m, "Matching"))
	require.NoError(t, err)

	var got []string
	for typ := range seq {
		got = append(got, typ.FullName()+" @ "+typ.Scope.Identifier())
	}

	assert.Equal(t, []string{
		"System.String @ mscorlib",
		"Model.Order @ Model",
		"Svc.Local @ Svc",
		"System.Int32 @ mscorlib",
		"System.Collections.Generic.List`1 @ mscorlib",
		"Model.Order @ Model",
	}, got)

	again := slices.Collect(seq)
	assert.Len(t, again, len(got), "the sequence can be ranged over again")

	seq, err = scanner.Scan(methodNamed(t, m, "Ignored"))
	require.NoError(t, err)
	assert.Equal(t, []string{"System.String"}, keys(slices.Collect(seq)), "only the unbound dictionary value is dropped")

	seq, err = scanner.Scan(methodNamed(t, m, "Abstract"))
	require.NoError(t, err)
	assert.Empty(t, slices.Collect(seq))
}

func TestScanner_CallSites(t *testing.T) {
	b := mt.New("Svc.dll")
	api := b.ReliableAPI()
	spec := api.GetOrAdd(api.Dict(mt.String(), mt.String()))
	b.TypeDef("Svc", "Service").Method("Run", mt.NewBody().
		Nop().
		Ldarg0().Ldstr(1).Callvirt(spec).Pop().
		Calli(metadata.NewToken(metadata.TokenStandAloneSig, 1)).
		Ret())

	m := openModule(t, b)

	sites, err := NewScanner(m, DefaultPattern).CallSites(methodNamed(t, m, "Run"))
	require.NoError(t, err)
	require.Len(t, sites, 1, "calli never resolves to a method")

	assert.Equal(t, 7, sites[0].Offset)
	assert.Equal(t, OpCallvirt, sites[0].OpCode)
	assert.Equal(t, "Svc.Service::Run", sites[0].Method.String())
	assert.True(t, DefaultPattern.Matches(sites[0].Target))
}

func TestScanner_CustomPattern(t *testing.T) {
	b := mt.New("Svc.dll")
	api := b.ReliableAPI()
	b.TypeDef("Svc", "Service").Method("Run", mt.NewBody().
		Ldarg0().Ldstr(1).Callvirt(api.GetOrAdd(api.Dict(mt.String(), mt.Int32()))).Pop().
		Ret())

	m := openModule(t, b)
	method := methodNamed(t, m, "Run")

	seq, err := NewScanner(m, Pattern{DeclaringType: DefaultDeclaringType, MethodName: "AddOrUpdate"}).Scan(method)
	require.NoError(t, err)
	assert.Empty(t, slices.Collect(seq))

	seq, err = NewScanner(m, Pattern{DeclaringType: DefaultDeclaringType, MethodName: "GetOrAdd"}).Scan(method)
	require.NoError(t, err)
	assert.Equal(t, []string{"System.String", "System.Int32"}, keys(slices.Collect(seq)))
}

type brokenModule struct {
	body    []byte
	bodyErr error
	resolve error
}

func (b brokenModule) MethodBody(metadata.Method) ([]byte, error) { return b.body, b.bodyErr }

func (b brokenModule) ResolveMethod(metadata.Token) (metadata.MethodRef, bool, error) {
	return metadata.MethodRef{}, b.resolve == nil, b.resolve
}

func TestScanner_Errors(t *testing.T) {
	method := metadata.Method{Name: "Run", RVA: 0x2050}

	tests := []struct {
		name     string
		module   brokenModule
		sentinel error
	}{
		{"unreadable body", brokenModule{bodyErr: metadata.ErrMalformedBody}, metadata.ErrMalformedBody},
		{"undecodable body", brokenModule{body: []byte{0x24}}, metadata.ErrMalformedBody},
		{"unresolvable token", brokenModule{body: []byte{0x28, 1, 0, 0, 0x0a}, resolve: errors.NotFound}, errors.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScanner(tt.module, DefaultPattern).Scan(method)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "%v", err)
		})
	}
}
