package il

import (
	"iter"
	"strings"

	"github.com/juju/errors"

	"upgrade-guard/internal/metadata"
)

// Default persistence API.
const (
	DefaultDeclaringType = "Microsoft.ServiceFabric.Data.IReliableStateManager"
	DefaultMethodName    = "GetOrAddAsync"
)

// Pattern identifies calls to the persistence API.
type Pattern struct {
	DeclaringType string // full name of the callee's declaring type
	MethodName    string // substring of the callee name
}

// DefaultPattern matches IReliableStateManager.GetOrAddAsync<T>.
var DefaultPattern = Pattern{
	DeclaringType: DefaultDeclaringType,
	MethodName:    DefaultMethodName,
}

// Matches returns true if target is a generic call to the persistence API.
func (p Pattern) Matches(target metadata.MethodRef) bool {
	return target.CallingConvention == metadata.CallGeneric &&
		target.DeclaringType.FullName() == p.DeclaringType &&
		strings.Contains(target.Name, p.MethodName)
}

// Module is the part of a loaded module the scanner reads.
type Module interface {
	MethodBody(metadata.Method) ([]byte, error)
	ResolveMethod(metadata.Token) (metadata.MethodRef, bool, error)
}

// CallSite is a resolved call instruction.
type CallSite struct {
	Method metadata.Method // the method containing the call
	Offset int
	OpCode OpCode
	Target metadata.MethodRef
}

// Scanner finds persistence API call sites in the methods of one module.
type Scanner struct {
	module  Module
	pattern Pattern
}

// NewScanner returns a scanner over module.
func NewScanner(module Module, pattern Pattern) *Scanner {
	return &Scanner{module: module, pattern: pattern}
}

// CallSites decodes the body of method and resolves each call, callvirt and
// calli instruction. Calls whose operand does not name a method are omitted.
func (s *Scanner) CallSites(method metadata.Method) ([]CallSite, error) {
	code, err := s.module.MethodBody(method)
	if err != nil {
		return nil, errors.Trace(err)
	}

	instructions, err := Decode(code)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding %s", method)
	}

	var sites []CallSite

	for _, in := range instructions {
		if !in.IsCall() {
			continue
		}

		target, ok, err := s.module.ResolveMethod(in.Token())
		if err != nil {
			return nil, errors.Trace(err)
		}

		if !ok {
			continue
		}

		sites = append(sites, CallSite{Method: method, Offset: in.Offset, OpCode: in.OpCode, Target: target})
	}

	return sites, nil
}

// Scan returns the types persisted through the persistence API by method.
// The body is decoded up front; the returned sequence can be ranged over
// any number of times.
func (s *Scanner) Scan(method metadata.Method) (iter.Seq[metadata.TypeDescriptor], error) {
	sites, err := s.CallSites(method)
	if err != nil {
		return nil, err
	}

	return func(yield func(metadata.TypeDescriptor) bool) {
		for _, site := range sites {
			if !s.pattern.Matches(site.Target) {
				continue
			}

			for _, t := range PersistedTypes(site.Target) {
				if !yield(t) {
					return
				}
			}
		}
	}, nil
}
