package metadata

import (
	"strconv"

	"github.com/juju/errors"
)

// ElementType is a signature element type byte (ECMA-335 II.23.1.16).
type ElementType byte

const (
	ElementVoid        ElementType = 0x01
	ElementBoolean     ElementType = 0x02
	ElementChar        ElementType = 0x03
	ElementI1          ElementType = 0x04
	ElementU1          ElementType = 0x05
	ElementI2          ElementType = 0x06
	ElementU2          ElementType = 0x07
	ElementI4          ElementType = 0x08
	ElementU4          ElementType = 0x09
	ElementI8          ElementType = 0x0a
	ElementU8          ElementType = 0x0b
	ElementR4          ElementType = 0x0c
	ElementR8          ElementType = 0x0d
	ElementString      ElementType = 0x0e
	ElementPtr         ElementType = 0x0f
	ElementByRef       ElementType = 0x10
	ElementValueType   ElementType = 0x11
	ElementClass       ElementType = 0x12
	ElementVar         ElementType = 0x13
	ElementArray       ElementType = 0x14
	ElementGenericInst ElementType = 0x15
	ElementTypedByRef  ElementType = 0x16
	ElementI           ElementType = 0x18
	ElementU           ElementType = 0x19
	ElementFnPtr       ElementType = 0x1b
	ElementObject      ElementType = 0x1c
	ElementSZArray     ElementType = 0x1d
	ElementMVar        ElementType = 0x1e
	ElementCModReqd    ElementType = 0x1f
	ElementCModOpt     ElementType = 0x20
	ElementSentinel    ElementType = 0x41
	ElementPinned      ElementType = 0x45
)

// MethodSpecSignature is the lead byte of a MethodSpec instantiation blob.
const MethodSpecSignature = 0x0a

// primitives maps primitive element types to their System type names.
var primitives = map[ElementType]string{
	ElementVoid:       "Void",
	ElementBoolean:    "Boolean",
	ElementChar:       "Char",
	ElementI1:         "SByte",
	ElementU1:         "Byte",
	ElementI2:         "Int16",
	ElementU2:         "UInt16",
	ElementI4:         "Int32",
	ElementU4:         "UInt32",
	ElementI8:         "Int64",
	ElementU8:         "UInt64",
	ElementR4:         "Single",
	ElementR8:         "Double",
	ElementString:     "String",
	ElementTypedByRef: "TypedReference",
	ElementI:          "IntPtr",
	ElementU:          "UIntPtr",
	ElementObject:     "Object",
}

// wrapperKinds maps single-element wrappers to their signature kinds.
var wrapperKinds = map[ElementType]SigKind{
	ElementPtr:     SigPointer,
	ElementByRef:   SigByRef,
	ElementSZArray: SigSZArray,
}

// maxSigDepth bounds signature nesting so malformed TypeSpec cycles terminate.
const maxSigDepth = 64

// sigReader decodes one signature blob against the tables of a module.
type sigReader struct {
	m    *Module
	data []byte
	pos  int
}

func (r *sigReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errors.New("signature truncated")
	}

	b := r.data[r.pos]
	r.pos++

	return b, nil
}

func (r *sigReader) compressed() (uint32, error) {
	v, n, err := readCompressed(r.data[r.pos:])
	if err != nil {
		return 0, err
	}

	r.pos += n

	return v, nil
}

// typeDefOrRef reads a TypeDefOrRefOrSpecEncoded value (II.23.2.8).
func (r *sigReader) typeDefOrRef(depth int) (*TypeSig, error) {
	v, err := r.compressed()
	if err != nil {
		return nil, err
	}

	table, row, ok := typeDefOrRef.decode(v)
	if !ok {
		return nil, errors.Errorf("bad TypeDefOrRef encoding 0x%x", v)
	}

	return r.m.typeSigFor(table, row, depth)
}

// typeSig decodes one Type (II.23.2.12), skipping custom modifiers.
func (r *sigReader) typeSig(depth int) (*TypeSig, error) {
	if depth > maxSigDepth {
		return nil, errors.New("signature nested too deeply")
	}

	var et ElementType
	for {
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}

		et = ElementType(b)
		if et == ElementCModReqd || et == ElementCModOpt {
			if _, err := r.compressed(); err != nil {
				return nil, err
			}

			continue
		}

		if et == ElementPinned || et == ElementSentinel {
			continue
		}

		break
	}

	if name, ok := primitives[et]; ok {
		return &TypeSig{Kind: SigNamed, Type: r.m.primitive(name)}, nil
	}

	switch et {
	case ElementClass, ElementValueType:
		return r.typeDefOrRef(depth + 1)

	case ElementVar, ElementMVar:
		n, err := r.compressed()
		if err != nil {
			return nil, err
		}

		return genericParameter(et == ElementMVar, int(n)), nil

	case ElementPtr, ElementByRef, ElementSZArray:
		elem, err := r.typeSig(depth + 1)
		if err != nil {
			return nil, err
		}

		return &TypeSig{Kind: wrapperKinds[et], Elem: elem}, nil

	case ElementArray:
		return r.arrayShape(depth)

	case ElementGenericInst:
		return r.genericInst(depth)

	case ElementFnPtr:
		if err := r.skipMethodSig(depth + 1); err != nil {
			return nil, err
		}

		return &TypeSig{Kind: SigFnPtr}, nil

	default:
		return nil, errors.Errorf("unexpected element type 0x%02x", byte(et))
	}
}

// arrayShape reads ARRAY Type ArrayShape (II.23.2.13).
func (r *sigReader) arrayShape(depth int) (*TypeSig, error) {
	elem, err := r.typeSig(depth + 1)
	if err != nil {
		return nil, err
	}

	rank, err := r.compressed()
	if err != nil {
		return nil, err
	}

	// sizes, then lower bounds; both are counted lists of compressed integers
	for range 2 {
		count, err := r.compressed()
		if err != nil {
			return nil, err
		}

		for range count {
			if _, err := r.compressed(); err != nil {
				return nil, err
			}
		}
	}

	return &TypeSig{Kind: SigArray, Elem: elem, Number: int(rank)}, nil
}

// genericInst reads GENERICINST (CLASS|VALUETYPE) TypeDefOrRef GenArgCount Type*.
func (r *sigReader) genericInst(depth int) (*TypeSig, error) {
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}

	if et := ElementType(b); et != ElementClass && et != ElementValueType {
		return nil, errors.Errorf("generic instantiation of element type 0x%02x", b)
	}

	def, err := r.typeDefOrRef(depth + 1)
	if err != nil {
		return nil, err
	}

	count, err := r.compressed()
	if err != nil {
		return nil, err
	}

	args, err := r.typeList(depth, count)
	if err != nil {
		return nil, err
	}

	return &TypeSig{Kind: SigGenericInst, Type: def.Type, Args: args}, nil
}

func (r *sigReader) typeList(depth int, count uint32) ([]*TypeSig, error) {
	if int(count) > len(r.data)-r.pos {
		return nil, errors.Errorf("type list of %d entries overruns signature", count)
	}

	list := make([]*TypeSig, 0, count)
	for range count {
		sig, err := r.typeSig(depth + 1)
		if err != nil {
			return nil, err
		}

		list = append(list, sig)
	}

	return list, nil
}

// skipMethodSig reads past a MethodDefSig/MethodRefSig (II.23.2.1-3).
func (r *sigReader) skipMethodSig(depth int) error {
	cc, err := r.readByte()
	if err != nil {
		return err
	}

	if CallingConvention(cc&sigConvMask) == CallGeneric {
		if _, err := r.compressed(); err != nil {
			return err
		}
	}

	params, err := r.compressed()
	if err != nil {
		return err
	}

	// return type plus parameters
	_, err = r.typeList(depth, params+1)

	return err
}

// genericParameter returns the placeholder signature for !n or !!n.
func genericParameter(method bool, n int) *TypeSig {
	prefix, kind := "!", SigVar
	if method {
		prefix, kind = "!!", SigMVar
	}

	return &TypeSig{
		Kind:   kind,
		Number: n,
		Type: TypeDescriptor{
			Name:             prefix + strconv.Itoa(n),
			GenericParameter: true,
		},
	}
}
