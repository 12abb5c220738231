// Package collect gathers, across every module of a code package, the types
// a service persists through its state manager.
//
// Modules are loaded and scanned independently, optionally in parallel.
// Each scan yields its own TypeSet; the sets are folded with Union once all
// scans have finished, so no state is shared between workers.
package collect
