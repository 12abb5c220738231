package metadatatest

import (
	"strings"

	"upgrade-guard/internal/metadata"
)

// Reliable Collections API names.
const (
	InterfacesAssembly    = "Microsoft.ServiceFabric.Data.Interfaces"
	StateManagerNamespace = "Microsoft.ServiceFabric.Data"
	StateManagerName      = "IReliableStateManager"
	CollectionsNamespace  = "Microsoft.ServiceFabric.Data.Collections"
	GetOrAddAsyncName     = "GetOrAddAsync"
)

var (
	// FrameworkToken is the public key token of .NET Framework assemblies.
	FrameworkToken = []byte{0xb7, 0x7a, 0x5c, 0x56, 0x19, 0x34, 0xe0, 0x89}
	// CoreToken is the public key token of .NET Core assemblies.
	CoreToken = []byte{0xb0, 0x3f, 0x5f, 0x7f, 0x11, 0xd5, 0x0a, 0x3a}
	// ServiceFabricToken is the public key token of Service Fabric assemblies.
	ServiceFabricToken = []byte{0x31, 0xbf, 0x38, 0x56, 0xad, 0x36, 0x4e, 0x35}
	// ECMAKey is the ECMA standard public key; its token is FrameworkToken.
	ECMAKey = []byte{0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0}
)

// ReliableAPI holds the references a service module makes to the
// Reliable Collections API.
type ReliableAPI struct {
	b *Builder

	CoreLib       metadata.Token // AssemblyRef mscorlib
	Interfaces    metadata.Token // AssemblyRef Microsoft.ServiceFabric.Data.Interfaces
	StateManager  metadata.Token // TypeRef IReliableStateManager
	Dictionary    metadata.Token // TypeRef IReliableDictionary`2
	Queue         metadata.Token // TypeRef IReliableQueue`1
	GetOrAddAsync metadata.Token // MemberRef IReliableStateManager::GetOrAddAsync<T>(string)
}

// ReliableAPI adds the core library and Reliable Collections references.
func (b *Builder) ReliableAPI() *ReliableAPI {
	api := &ReliableAPI{b: b}
	api.CoreLib = b.AssemblyRef("mscorlib", "4.0.0.0", FrameworkToken)
	api.Interfaces = b.AssemblyRef(InterfacesAssembly, "6.0.0.0", ServiceFabricToken)
	api.StateManager = b.TypeRef(api.Interfaces, StateManagerNamespace, StateManagerName)
	api.Dictionary = b.TypeRef(api.Interfaces, CollectionsNamespace, "IReliableDictionary`2")
	api.Queue = b.TypeRef(api.Interfaces, CollectionsNamespace, "IReliableQueue`1")

	task := b.TypeRef(api.CoreLib, "System.Threading.Tasks", "Task`1")
	api.GetOrAddAsync = b.MemberRef(api.StateManager, GetOrAddAsyncName,
		MethodSig(true, 1, GenericInst(task, MVar(0)), String()))

	return api
}

// GetOrAdd instantiates GetOrAddAsync with the collection type.
func (api *ReliableAPI) GetOrAdd(collection Sig) metadata.Token {
	return api.b.MethodSpec(api.GetOrAddAsync, collection)
}

// Dict encodes IReliableDictionary<key, value>.
func (api *ReliableAPI) Dict(key, value Sig) Sig {
	return GenericInst(api.Dictionary, key, value)
}

// QueueOf encodes IReliableQueue<item>.
func (api *ReliableAPI) QueueOf(item Sig) Sig {
	return GenericInst(api.Queue, item)
}

// Persisted names a value type stored in a reliable dictionary.
type Persisted struct {
	Assembly string // declaring assembly; empty when declared by the service module
	FullName string // e.g. "Foo.Bar"
}

// Local is a type persisted and declared by the service module itself.
func Local(fullName string) Persisted {
	return Persisted{FullName: fullName}
}

// External is a type persisted by the service but declared in assembly.
func External(assembly, fullName string) Persisted {
	return Persisted{Assembly: assembly, FullName: fullName}
}

// Service builds a service module whose Fixture.Service::RunAsync registers
// one IReliableDictionary<string, T> per persisted type.
func Service(fileName string, persisted ...Persisted) *Builder {
	b := New(fileName)
	api := b.ReliableAPI()

	values := make([]Sig, len(persisted))
	locals := make(map[string]metadata.Token)
	refs := make(map[string]metadata.Token)

	for i, p := range persisted {
		ns, name := SplitName(p.FullName)

		if p.Assembly == "" {
			tok, ok := locals[p.FullName]
			if !ok {
				tok = b.TypeDef(ns, name).Token()
				locals[p.FullName] = tok
			}

			values[i] = Class(tok)

			continue
		}

		scope, ok := refs[p.Assembly]
		if !ok {
			scope = b.AssemblyRef(p.Assembly, "1.0.0.0", nil)
			refs[p.Assembly] = scope
		}

		values[i] = Class(b.TypeRef(scope, ns, name))
	}

	body := NewBody()
	for _, v := range values {
		body.Ldarg0().Ldstr(1).Callvirt(api.GetOrAdd(api.Dict(String(), v))).Pop()
	}

	b.TypeDef("Fixture", "Service").Method("RunAsync", body.Ret())

	return b
}

// Library builds a module declaring the given types. Names containing '/'
// declare a nested type inside the type named before the slash.
func Library(fileName string, fullNames ...string) *Builder {
	b := New(fileName)
	declared := make(map[string]*TypeDef)

	var declare func(fullName string) *TypeDef

	declare = func(fullName string) *TypeDef {
		if t, ok := declared[fullName]; ok {
			return t
		}

		var t *TypeDef
		if i := strings.LastIndexByte(fullName, '/'); i >= 0 {
			t = b.NestedTypeDef(declare(fullName[:i]), fullName[i+1:])
		} else {
			t = b.TypeDef(SplitName(fullName))
		}

		declared[fullName] = t

		return t
	}

	for _, name := range fullNames {
		declare(name)
	}

	return b
}

// SplitName splits "Ns.Sub.Name" into "Ns.Sub" and "Name".
func SplitName(fullName string) (string, string) {
	if i := strings.LastIndexByte(fullName, '.'); i >= 0 {
		return fullName[:i], fullName[i+1:]
	}

	return "", fullName
}
