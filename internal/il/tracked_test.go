package il

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"upgrade-guard/internal/metadata"
)

var (
	corlib = metadata.Scope{Name: "mscorlib", Version: "4.0.0.0", PublicKeyToken: "b77a5c561934e089"}
	pkg    = metadata.Scope{Name: "Pkg", Version: "1.0.0.0"}
)

func named(scope metadata.Scope, ns, name string) *metadata.TypeSig {
	return &metadata.TypeSig{Kind: metadata.SigNamed, Type: metadata.TypeDescriptor{Namespace: ns, Name: name, Scope: scope}}
}

func inst(def *metadata.TypeSig, args ...*metadata.TypeSig) *metadata.TypeSig {
	return &metadata.TypeSig{Kind: metadata.SigGenericInst, Type: def.Type, Args: args}
}

func wrap(kind metadata.SigKind, elem *metadata.TypeSig) *metadata.TypeSig {
	return &metadata.TypeSig{Kind: kind, Elem: elem}
}

func mvar(n int) *metadata.TypeSig {
	return &metadata.TypeSig{
		Kind:   metadata.SigMVar,
		Number: n,
		Type:   metadata.TypeDescriptor{Name: "!!0", GenericParameter: true},
	}
}

func keys(types []metadata.TypeDescriptor) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.FullName()
	}

	return out
}

func TestTrackedTypes(t *testing.T) {
	str := named(corlib, "System", "String")
	bar := named(pkg, "Foo", "Bar")
	list := named(corlib, "System.Collections.Generic", "List`1")
	box := named(pkg, "Foo", "Box`2")

	tests := []struct {
		name     string
		sig      *metadata.TypeSig
		expected []string
	}{
		{"nil", nil, []string{}},
		{"named", bar, []string{"Foo.Bar"}},
		{"generic instance", inst(list, bar), []string{"System.Collections.Generic.List`1", "Foo.Bar"}},
		{"nested instances", inst(box, str, inst(list, bar)), []string{"Foo.Box`2", "System.String", "System.Collections.Generic.List`1", "Foo.Bar"}},
		{"array", wrap(metadata.SigSZArray, bar), []string{"Foo.Bar"}},
		{"multi-dimensional array", &metadata.TypeSig{Kind: metadata.SigArray, Elem: bar, Number: 2}, []string{"Foo.Bar"}},
		{"byref pointer", wrap(metadata.SigByRef, wrap(metadata.SigPointer, bar)), []string{"Foo.Bar"}},
		{"generic parameter", mvar(0), []string{}},
		{"instance over generic parameter", inst(list, mvar(0)), []string{"System.Collections.Generic.List`1"}},
		{"function pointer", &metadata.TypeSig{Kind: metadata.SigFnPtr}, []string{}},
		{"unnamed", &metadata.TypeSig{Kind: metadata.SigNamed}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, keys(TrackedTypes(tt.sig)))
		})
	}
}

func TestPersistedTypes(t *testing.T) {
	str := named(corlib, "System", "String")
	bar := named(pkg, "Foo", "Bar")
	dict := named(pkg, "Microsoft.ServiceFabric.Data.Collections", "IReliableDictionary`2")
	wrapper := named(pkg, "Ns", "Wrapper`1")

	tests := []struct {
		name     string
		args     []*metadata.TypeSig
		expected []string
	}{
		{"dictionary", []*metadata.TypeSig{inst(dict, str, bar)}, []string{"System.String", "Foo.Bar"}},
		{"collection definition itself is not tracked", []*metadata.TypeSig{inst(dict, bar, bar)}, []string{"Foo.Bar", "Foo.Bar"}},
		{"no generic arguments", nil, []string{}},
		{"first argument not an instance", []*metadata.TypeSig{bar}, []string{}},
		{"instance without arguments", []*metadata.TypeSig{inst(dict)}, []string{}},
		{"only the first argument counts", []*metadata.TypeSig{bar, inst(dict, str, bar)}, []string{}},
		{"unbound value", []*metadata.TypeSig{inst(dict, str, mvar(0))}, []string{"System.String"}},
		{"array value is unwrapped", []*metadata.TypeSig{inst(dict, str, wrap(metadata.SigSZArray, bar))}, []string{"System.String", "Foo.Bar"}},
		{
			"instance value is split",
			[]*metadata.TypeSig{inst(dict, str, inst(wrapper, bar))},
			[]string{"System.String", "Ns.Wrapper`1", "Foo.Bar"},
		},
		{
			"array of instances",
			[]*metadata.TypeSig{inst(dict, str, wrap(metadata.SigSZArray, inst(wrapper, mvar(0))))},
			[]string{"System.String", "Ns.Wrapper`1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := metadata.MethodRef{
				Name:              "GetOrAddAsync",
				CallingConvention: metadata.CallGeneric,
				GenericArguments:  tt.args,
			}

			assert.Equal(t, tt.expected, keys(PersistedTypes(target)))
		})
	}
}

func TestPattern_Matches(t *testing.T) {
	manager := metadata.TypeDescriptor{Namespace: "Microsoft.ServiceFabric.Data", Name: "IReliableStateManager"}
	other := metadata.TypeDescriptor{Namespace: "Other", Name: "StateManager"}

	tests := []struct {
		name     string
		target   metadata.MethodRef
		expected bool
	}{
		{"get or add", metadata.MethodRef{DeclaringType: manager, Name: "GetOrAddAsync", CallingConvention: metadata.CallGeneric}, true},
		{"name contains", metadata.MethodRef{DeclaringType: manager, Name: "GetOrAddAsyncCore", CallingConvention: metadata.CallGeneric}, true},
		{"not generic", metadata.MethodRef{DeclaringType: manager, Name: "GetOrAddAsync", CallingConvention: metadata.CallDefault}, false},
		{"other method", metadata.MethodRef{DeclaringType: manager, Name: "TryGetAsync", CallingConvention: metadata.CallGeneric}, false},
		{"other type", metadata.MethodRef{DeclaringType: other, Name: "GetOrAddAsync", CallingConvention: metadata.CallGeneric}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DefaultPattern.Matches(tt.target))
		})
	}
}
