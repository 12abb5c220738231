// Package upgrade decides whether a service can be upgraded from V1 to V2
// without losing access to its persisted state.
//
// The decision is a linear sequence of gates:
//  1. equal code package versions: no upgrade is happening
//  2. no types persisted by V2: nothing at risk
//  3. a persisted type without a candidate V1 module: cannot upgrade
//  4. a persisted type not defined by its V1 module: cannot upgrade
//
// A failing verdict is final; nothing is retried.
package upgrade
