package metadatatest

import (
	"upgrade-guard/internal/metadata"
)

// Sig is an encoded type signature (ECMA-335 II.23.2.12).
type Sig []byte

// Primitive encodes a primitive element type such as metadata.ElementString.
func Primitive(et metadata.ElementType) Sig {
	return Sig{byte(et)}
}

// String encodes System.String.
func String() Sig { return Primitive(metadata.ElementString) }

// Int32 encodes System.Int32.
func Int32() Sig { return Primitive(metadata.ElementI4) }

// Object encodes System.Object.
func Object() Sig { return Primitive(metadata.ElementObject) }

// Class encodes a reference to a class (TypeDef, TypeRef or TypeSpec token).
func Class(t metadata.Token) Sig {
	return append(Sig{byte(metadata.ElementClass)}, compress(typeDefOrRef(t))...)
}

// ValueType encodes a reference to a value type.
func ValueType(t metadata.Token) Sig {
	return append(Sig{byte(metadata.ElementValueType)}, compress(typeDefOrRef(t))...)
}

// GenericInst encodes a class instantiation of the generic definition def.
func GenericInst(def metadata.Token, args ...Sig) Sig {
	return genericInst(metadata.ElementClass, def, args)
}

// GenericValueInst encodes a value type instantiation of def.
func GenericValueInst(def metadata.Token, args ...Sig) Sig {
	return genericInst(metadata.ElementValueType, def, args)
}

func genericInst(kind metadata.ElementType, def metadata.Token, args []Sig) Sig {
	sig := Sig{byte(metadata.ElementGenericInst), byte(kind)}
	sig = append(sig, compress(typeDefOrRef(def))...)
	sig = append(sig, compress(uint32(len(args)))...)

	for _, a := range args {
		sig = append(sig, a...)
	}

	return sig
}

// SZArray encodes elem[].
func SZArray(elem Sig) Sig {
	return append(Sig{byte(metadata.ElementSZArray)}, elem...)
}

// Array encodes a general array of the given rank without sizes or bounds.
func Array(elem Sig, rank int) Sig {
	sig := append(Sig{byte(metadata.ElementArray)}, elem...)
	sig = append(sig, compress(uint32(rank))...)

	return append(sig, 0, 0)
}

// Ptr encodes elem*.
func Ptr(elem Sig) Sig {
	return append(Sig{byte(metadata.ElementPtr)}, elem...)
}

// ByRef encodes elem&.
func ByRef(elem Sig) Sig {
	return append(Sig{byte(metadata.ElementByRef)}, elem...)
}

// Var encodes the type generic parameter !n.
func Var(n int) Sig {
	return append(Sig{byte(metadata.ElementVar)}, compress(uint32(n))...)
}

// MVar encodes the method generic parameter !!n.
func MVar(n int) Sig {
	return append(Sig{byte(metadata.ElementMVar)}, compress(uint32(n))...)
}

// Modified prefixes sig with an optional custom modifier naming mod.
func Modified(mod metadata.Token, sig Sig) Sig {
	out := append(Sig{byte(metadata.ElementCModOpt)}, compress(typeDefOrRef(mod))...)

	return append(out, sig...)
}

// MethodSig encodes a MethodDefSig/MethodRefSig. genericParams > 0 sets the
// generic calling convention.
func MethodSig(hasThis bool, genericParams int, ret Sig, params ...Sig) []byte {
	var cc byte
	if hasThis {
		cc |= 0x20
	}

	if genericParams > 0 {
		cc |= byte(metadata.CallGeneric)
	}

	sig := []byte{cc}
	if genericParams > 0 {
		sig = append(sig, compress(uint32(genericParams))...)
	}

	sig = append(sig, compress(uint32(len(params)))...)
	sig = append(sig, ret...)

	for _, p := range params {
		sig = append(sig, p...)
	}

	return sig
}

// typeDefOrRef encodes a TypeDefOrRefOrSpecEncoded value.
func typeDefOrRef(t metadata.Token) uint32 {
	var tag uint32

	switch t.Kind() {
	case metadata.TokenTypeDef:
		tag = 0
	case metadata.TokenTypeRef:
		tag = 1
	case metadata.TokenTypeSpec:
		tag = 2
	default:
		panic("metadatatest: not a type token: " + t.String())
	}

	return t.Row()<<2 | tag
}

// compress encodes an unsigned integer in the ECMA-335 compressed form.
func compress(v uint32) []byte {
	switch {
	case v < 0x80:
		return []byte{byte(v)}
	case v < 0x4000:
		return []byte{byte(v>>8) | 0x80, byte(v)}
	default:
		return []byte{byte(v>>24) | 0xc0, byte(v >> 16), byte(v >> 8), byte(v)}
	}
}
