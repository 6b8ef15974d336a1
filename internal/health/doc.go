// Package health serves liveness and readiness for both listeners.
//
// Readiness is composed with [All] from a [ShutdownGate] and one
// [Dependency] per backing store (entitlement documents, content cache),
// usually behind [Cached]. Liveness is [Fixed]: the process answering is
// enough.
package health
