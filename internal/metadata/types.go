package metadata

import (
	"fmt"
	"strings"
)

// ScopeKind distinguishes assembly scopes from bare module scopes.
type ScopeKind int

const (
	ScopeAssembly ScopeKind = iota // assembly or assembly reference
	ScopeModule                    // module without an assembly manifest, or a module reference
)

// Scope identifies the assembly (or module) that declares a type.
type Scope struct {
	Name           string // e.g., "Microsoft.ServiceFabric.Data.Interfaces"
	Version        string // e.g., "6.0.0.0"
	Culture        string // empty means neutral
	PublicKeyToken string // lower-case hex, empty when the assembly is not signed
	Kind           ScopeKind
}

// String returns the assembly display name, e.g.
// "System.Runtime, Version=4.2.2.0, Culture=neutral, PublicKeyToken=b03f5f7f11d50a3a".
func (s Scope) String() string {
	if s.Kind == ScopeModule {
		return s.Name
	}

	version := s.Version
	if version == "" {
		version = "0.0.0.0"
	}

	culture := s.Culture
	if culture == "" {
		culture = "neutral"
	}

	token := s.PublicKeyToken
	if token == "" {
		token = "null"
	}

	return fmt.Sprintf("%s, Version=%s, Culture=%s, PublicKeyToken=%s", s.Name, version, culture, token)
}

// Identifier returns the primary identifier of the scope: the assembly name,
// or the module name without its file extension.
func (s Scope) Identifier() string {
	if s.Kind != ScopeModule {
		return s.Name
	}

	lower := strings.ToLower(s.Name)
	for _, ext := range []string{".dll", ".exe", ".netmodule"} {
		if strings.HasSuffix(lower, ext) {
			return s.Name[:len(s.Name)-len(ext)]
		}
	}

	return s.Name
}

// TypeDescriptor identifies a type by its full name and declaring scope.
type TypeDescriptor struct {
	Namespace        string // e.g., "Microsoft.ServiceFabric.Data"
	Name             string // e.g., "IReliableStateManager"
	Enclosing        string // full name of the enclosing type, nested types only
	Scope            Scope
	GenericParameter bool // unbound generic parameter (!0, !!0)
}

// FullName returns the namespace-qualified name; nested types are
// separated from their enclosing type by '/'.
func (t TypeDescriptor) FullName() string {
	if t.Enclosing != "" {
		return t.Enclosing + "/" + t.Name
	}

	if t.Namespace == "" {
		return t.Name
	}

	return t.Namespace + "." + t.Name
}

// Key returns the identity of the type: full name plus declaring scope.
func (t TypeDescriptor) Key() string {
	return t.FullName() + ", " + t.Scope.String()
}

// String returns the full name of the type.
func (t TypeDescriptor) String() string {
	return t.FullName()
}

// IsNested returns true if the type is declared inside another type.
func (t TypeDescriptor) IsNested() bool {
	return t.Enclosing != ""
}

// SigKind is the shape of a decoded type signature.
type SigKind int

const (
	SigInvalid     SigKind = iota
	SigNamed               // class, value type or primitive
	SigGenericInst         // generic instantiation: Type is the definition, Args the arguments
	SigVar                 // type generic parameter (!n)
	SigMVar                // method generic parameter (!!n)
	SigSZArray             // single-dimension zero-based array
	SigArray               // general array
	SigPointer             // unmanaged pointer
	SigByRef               // managed reference
	SigFnPtr               // function pointer
)

// TypeSig is a decoded type signature.
type TypeSig struct {
	Kind   SigKind
	Type   TypeDescriptor // SigNamed, SigGenericInst (definition), SigVar/SigMVar (placeholder)
	Elem   *TypeSig       // SigSZArray, SigArray, SigPointer, SigByRef
	Args   []*TypeSig     // SigGenericInst
	Number int            // generic parameter position or array rank
}

// FullName renders the signature the way type names appear in reflection,
// e.g. "Microsoft.ServiceFabric.Data.Collections.IReliableDictionary`2<System.String,Foo.Bar>".
func (s *TypeSig) FullName() string {
	if s == nil {
		return ""
	}

	switch s.Kind {
	case SigNamed, SigVar, SigMVar:
		return s.Type.FullName()
	case SigGenericInst:
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = a.FullName()
		}

		return s.Type.FullName() + "<" + strings.Join(args, ",") + ">"
	case SigSZArray:
		return s.Elem.FullName() + "[]"
	case SigArray:
		return s.Elem.FullName() + "[" + strings.Repeat(",", max(s.Number-1, 0)) + "]"
	case SigPointer:
		return s.Elem.FullName() + "*"
	case SigByRef:
		return s.Elem.FullName() + "&"
	case SigFnPtr:
		return "method"
	default:
		return ""
	}
}

// IsGenericInstance returns true for generic instantiations.
func (s *TypeSig) IsGenericInstance() bool {
	return s != nil && s.Kind == SigGenericInst
}

// CallingConvention is the low five bits of a method signature's first byte.
type CallingConvention byte

const (
	CallDefault  CallingConvention = 0x00
	CallC        CallingConvention = 0x01
	CallStdCall  CallingConvention = 0x02
	CallThisCall CallingConvention = 0x03
	CallFastCall CallingConvention = 0x04
	CallVarArg   CallingConvention = 0x05
	CallGeneric  CallingConvention = 0x10
)

const (
	sigHasThis      = 0x20
	sigExplicitThis = 0x40
	sigConvMask     = 0x1f
)

// Method is a method definition with the location of its body.
type Method struct {
	DeclaringType TypeDescriptor
	Name          string
	Token         Token
	RVA           uint32
}

// HasBody returns true if the method carries CIL (abstract, extern and
// runtime-implemented methods do not).
func (m Method) HasBody() bool {
	return m.RVA != 0
}

// String returns "Namespace.Type::Name".
func (m Method) String() string {
	return m.DeclaringType.FullName() + "::" + m.Name
}

// MethodRef is a resolved call target.
type MethodRef struct {
	DeclaringType     TypeDescriptor
	Name              string
	CallingConvention CallingConvention
	HasThis           bool
	GenericArguments  []*TypeSig // bound by a MethodSpec; empty otherwise
}

// FullName returns "Namespace.Type::Name".
func (m MethodRef) FullName() string {
	return m.DeclaringType.FullName() + "::" + m.Name
}

// HasGenericArguments returns true if the call binds method generic arguments.
func (m MethodRef) HasGenericArguments() bool {
	return len(m.GenericArguments) > 0
}
