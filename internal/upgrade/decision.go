package upgrade

import (
	"upgrade-guard/internal/diagnostic"
	"upgrade-guard/internal/verify"
)

// Reason explains a Decision.
type Reason int

const (
	ReasonSameVersion      Reason = iota // V1 and V2 have the same version
	ReasonNoPersistedTypes               // V2 persists no types
	ReasonCompatible                     // V1 defines every type V2 persists
	ReasonMissingModule                  // no V1 module for a persisted type
	ReasonUnreadableModule               // a V1 module could not be loaded
	ReasonMissingType                    // a V1 module does not define a persisted type
)

// String returns the reason code.
func (r Reason) String() string {
	switch r {
	case ReasonSameVersion:
		return "same_version"
	case ReasonNoPersistedTypes:
		return "no_persisted_types"
	case ReasonCompatible:
		return "compatible"
	case ReasonMissingModule:
		return "missing_module"
	case ReasonUnreadableModule:
		return "unreadable_module"
	case ReasonMissingType:
		return "missing_type"
	default:
		return "unknown"
	}
}

// MarshalText renders the reason by code.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// reasonFor maps a failed verdict to the reason of the decision.
func reasonFor(v verify.Verdict) Reason {
	switch v {
	case verify.MissingModule:
		return ReasonMissingModule
	case verify.UnreadableModule:
		return ReasonUnreadableModule
	case verify.MissingType:
		return ReasonMissingType
	default:
		return ReasonCompatible
	}
}

// Decision is the outcome of an upgrade check.
type Decision struct {
	CanUpgrade  bool                   `json:"can_upgrade"`
	Reason      Reason                 `json:"reason"`
	V1Version   string                 `json:"v1_version"`
	V2Version   string                 `json:"v2_version"`
	Results     []verify.Result        `json:"results,omitempty"`
	Diagnostics diagnostic.Diagnostics `json:"diagnostics"`
}

// Failure returns the first result that blocks the upgrade.
func (d Decision) Failure() (verify.Result, bool) {
	for _, r := range d.Results {
		if !r.OK() {
			return r, true
		}
	}

	return verify.Result{}, false
}
