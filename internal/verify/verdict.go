package verify

import (
	"encoding/json"

	"upgrade-guard/internal/metadata"
)

// Verdict is the outcome of checking one type.
type Verdict int

const (
	Compatible       Verdict = iota // a V1 module defines the type
	PlatformExempt                  // platform type, not checked
	MissingModule                   // no V1 module matches the expected file name
	UnreadableModule                // the expected V1 module cannot be loaded
	MissingType                     // the expected V1 module does not define the type
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Compatible:
		return "compatible"
	case PlatformExempt:
		return "platform_exempt"
	case MissingModule:
		return "missing_module"
	case UnreadableModule:
		return "unreadable_module"
	case MissingType:
		return "missing_type"
	default:
		return "unknown"
	}
}

// MarshalText renders the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// OK returns true for verdicts that do not block an upgrade.
func (v Verdict) OK() bool {
	return v == Compatible || v == PlatformExempt
}

// Result is the verdict for one V2 type.
type Result struct {
	Type    metadata.TypeDescriptor
	Verdict Verdict
	Module  string // V1 module that decided the verdict, if any
	Reason  string
}

// OK returns true if the type does not block an upgrade.
func (r Result) OK() bool {
	return r.Verdict.OK()
}

// String returns "<type>: <verdict>".
func (r Result) String() string {
	return r.Type.FullName() + ": " + r.Verdict.String()
}

// MarshalJSON renders the type by full name and scope.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string  `json:"type"`
		Scope   string  `json:"scope"`
		Verdict Verdict `json:"verdict"`
		Module  string  `json:"module,omitempty"`
		Reason  string  `json:"reason"`
	}{r.Type.FullName(), r.Type.Scope.String(), r.Verdict, r.Module, r.Reason})
}
