// Package gate composes named acceptance checks into an ordered registry.
//
// A registry evaluates its gates and surfaces exactly one root cause per run:
// the first failing gate by registration order. Individual checks are opaque
// boolean collaborators; this package only defines how they compose.
package gate
