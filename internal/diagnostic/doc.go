// Package diagnostic provides structured findings collected while deciding
// whether an upgrade is safe.
//
// Key capabilities:
//   - Skipped module reports (not a managed module, malformed bodies)
//   - Failed type checks with the V1 module that was expected to define them
//   - A combined error view of all error findings
package diagnostic
