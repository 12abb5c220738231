package verify

import (
	"path/filepath"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"upgrade-guard/internal/metadata"
)

var logger = loggo.GetLogger("upgradeguard.verify")

// PlatformPredicate reports whether a scope belongs to the platform.
type PlatformPredicate func(metadata.Scope) bool

// TokenAllowList returns a predicate matching scopes signed with one of
// tokens. Unsigned scopes never match.
func TokenAllowList(tokens set.Strings) PlatformPredicate {
	allowed := set.NewStrings()
	for _, t := range tokens.Values() {
		allowed.Add(strings.ToLower(t))
	}

	return func(scope metadata.Scope) bool {
		return scope.PublicKeyToken != "" && allowed.Contains(strings.ToLower(scope.PublicKeyToken))
	}
}

// ExpectedFileNames returns the file names a module declaring scope may
// have: the scope identifier followed by each extension, in extension order.
func ExpectedFileNames(scope metadata.Scope, extensions set.Strings) []string {
	exts := extensions.SortedValues()

	names := make([]string, 0, len(exts))
	for _, ext := range exts {
		names = append(names, scope.Identifier()+ext)
	}

	return names
}

// FindDefiningModules returns the files of files whose path contains one of
// the expected file names of the declaring scope of t. The comparison is
// case-sensitive, so MyPkg.dll is a candidate for Pkg and PKG.DLL is not.
func FindDefiningModules(t metadata.TypeDescriptor, files []string, extensions set.Strings) []string {
	names := ExpectedFileNames(t.Scope, extensions)

	var found []string

	for _, f := range files {
		for _, name := range names {
			if strings.Contains(f, name) {
				found = append(found, f)

				break
			}
		}
	}

	return found
}

// FindDefiningModulesByBaseName returns the files of files whose base name
// is one of the expected file names of the declaring scope of t, ignoring
// case.
func FindDefiningModulesByBaseName(t metadata.TypeDescriptor, files []string, extensions set.Strings) []string {
	expected := set.NewStrings()
	for _, name := range ExpectedFileNames(t.Scope, extensions) {
		expected.Add(strings.ToLower(name))
	}

	var found []string

	for _, f := range files {
		if expected.Contains(strings.ToLower(filepath.Base(f))) {
			found = append(found, f)
		}
	}

	return found
}

// MatchMode selects how V1 module files are matched to a declaring scope.
type MatchMode string

const (
	// MatchContains selects every path containing an expected file name.
	MatchContains MatchMode = "contains"
	// MatchBaseName selects base names equal to an expected file name,
	// ignoring case.
	MatchBaseName MatchMode = "basename"
)

// ParseMatchMode parses a match mode name. The empty name is MatchContains.
func ParseMatchMode(s string) (MatchMode, error) {
	switch m := MatchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", MatchContains:
		return MatchContains, nil
	case MatchBaseName:
		return m, nil
	}

	return "", errors.NotValidf("module match mode %q", s)
}

// Find returns the files of files matching the declaring scope of t.
func (m MatchMode) Find(t metadata.TypeDescriptor, files []string, extensions set.Strings) []string {
	if m == MatchBaseName {
		return FindDefiningModulesByBaseName(t, files, extensions)
	}

	return FindDefiningModules(t, files, extensions)
}

func (m MatchMode) missingReason(names []string) string {
	if m == MatchBaseName {
		return "no V1 module named " + strings.Join(names, " or ")
	}

	return "no V1 module path contains " + strings.Join(names, " or ")
}

// Options configures a Verifier.
type Options struct {
	// IsPlatform exempts platform types; nil exempts nothing.
	IsPlatform PlatformPredicate
	// Extensions are the module file extensions, with the leading dot.
	Extensions set.Strings
	// Match selects the module matching rule; empty means MatchContains.
	Match MatchMode
}

// Verifier checks V2 types against the modules of V1.
type Verifier struct {
	isPlatform PlatformPredicate
	extensions set.Strings
	match      MatchMode
}

// New returns a Verifier.
func New(opts Options) *Verifier {
	v := &Verifier{isPlatform: opts.IsPlatform, extensions: opts.Extensions, match: opts.Match}

	if v.isPlatform == nil {
		v.isPlatform = func(metadata.Scope) bool { return false }
	}

	if v.extensions == nil || v.extensions.IsEmpty() {
		v.extensions = set.NewStrings(".dll", ".exe")
	}

	if v.match == "" {
		v.match = MatchContains
	}

	return v
}

// IsPlatform returns true if scope belongs to the platform.
func (v *Verifier) IsPlatform(scope metadata.Scope) bool {
	return v.isPlatform(scope)
}

// HasDefiningModule returns true if v1Files holds a module expected to
// define t.
func (v *Verifier) HasDefiningModule(t metadata.TypeDescriptor, v1Files []string) bool {
	return len(v.match.Find(t, v1Files, v.extensions)) > 0
}

// Verify checks that every V1 module expected to define t declares a type
// with the same full name.
func (v *Verifier) Verify(t metadata.TypeDescriptor, v1Files []string) Result {
	r := v.verify(t, v1Files)
	logger.Debugf("%s (%s): %s %s", t.FullName(), t.Scope.Identifier(), r.Verdict, r.Module)

	return r
}

func (v *Verifier) verify(t metadata.TypeDescriptor, v1Files []string) Result {
	if v.IsPlatform(t.Scope) {
		return Result{Type: t, Verdict: PlatformExempt, Reason: "declared by platform assembly " + t.Scope.Name}
	}

	candidates := v.match.Find(t, v1Files, v.extensions)
	if len(candidates) == 0 {
		return Result{
			Type:    t,
			Verdict: MissingModule,
			Reason:  v.match.missingReason(ExpectedFileNames(t.Scope, v.extensions)),
		}
	}

	for _, path := range candidates {
		if r, ok := v.check(t, path); !ok {
			return r
		}
	}

	return Result{
		Type:    t,
		Verdict: Compatible,
		Module:  candidates[0],
		Reason:  "defined by " + filepath.Base(candidates[0]),
	}
}

// check loads one candidate module and looks the type up by full name.
func (v *Verifier) check(t metadata.TypeDescriptor, path string) (Result, bool) {
	m, err := metadata.Open(path)
	if err != nil {
		return Result{Type: t, Verdict: UnreadableModule, Module: path, Reason: err.Error()}, false
	}

	defer func() { _ = m.Close() }()

	if !m.DefinesType(t.FullName()) {
		return Result{
			Type:    t,
			Verdict: MissingType,
			Module:  path,
			Reason:  filepath.Base(path) + " does not define " + t.FullName(),
		}, false
	}

	return Result{}, true
}
