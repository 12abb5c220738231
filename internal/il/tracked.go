package il

import (
	"upgrade-guard/internal/metadata"
)

// PersistedTypes returns the types at risk for one persistence API call:
// the tracked types of every argument of the collection bound as the
// call's first generic argument. Calls that bind no collection instance
// yield nothing.
//
// Arguments are flattened rather than reported whole: Foo.Bar[] yields
// Foo.Bar, and Ns.Wrapper`1<Foo.Bar> yields Ns.Wrapper`1 followed by
// Foo.Bar. Each named type is then checked against V1 on its own, so a
// value type nested in an array or a generic wrapper is not missed.
func PersistedTypes(target metadata.MethodRef) []metadata.TypeDescriptor {
	if !target.HasGenericArguments() {
		return nil
	}

	collection := target.GenericArguments[0]
	if !collection.IsGenericInstance() {
		return nil
	}

	var v trackedVisitor
	for _, arg := range collection.Args {
		v.visit(arg)
	}

	return v.types
}

// TrackedTypes flattens one signature into the named types it depends on.
// Generic instances contribute their definition and, recursively, their
// arguments; arrays, pointers and byrefs their element type. Generic
// parameters and function pointers contribute nothing.
func TrackedTypes(sig *metadata.TypeSig) []metadata.TypeDescriptor {
	var v trackedVisitor
	v.visit(sig)

	return v.types
}

type trackedVisitor struct {
	types []metadata.TypeDescriptor
}

func (v *trackedVisitor) visit(sig *metadata.TypeSig) {
	if sig == nil {
		return
	}

	switch sig.Kind {
	case metadata.SigNamed:
		v.add(sig.Type)
	case metadata.SigGenericInst:
		v.add(sig.Type)

		for _, arg := range sig.Args {
			v.visit(arg)
		}
	case metadata.SigSZArray, metadata.SigArray, metadata.SigPointer, metadata.SigByRef:
		v.visit(sig.Elem)
	}
}

func (v *trackedVisitor) add(t metadata.TypeDescriptor) {
	if t.GenericParameter || t.FullName() == "" {
		return
	}

	v.types = append(v.types, t)
}
