package metadata

import "github.com/juju/errors"

func AssemblyReferences(m *Module) []Scope {
	return m.assemblyRefs
}

func TypeReferences(m *Module) []TypeDescriptor {
	return m.typeRefs
}

// ResolveType decodes a TypeDef, TypeRef or TypeSpec token.
func ResolveType(m *Module, token Token) (*TypeSig, error) {
	switch token.Kind() {
	case TokenTypeDef:
		return m.typeSigFor(tableTypeDef, token.Row(), 0)
	case TokenTypeRef:
		return m.typeSigFor(tableTypeRef, token.Row(), 0)
	case TokenTypeSpec:
		return m.typeSigFor(tableTypeSpec, token.Row(), 0)
	default:
		return nil, errors.NotValidf("type token %s", token)
	}
}
