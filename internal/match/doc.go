// Package match owns all matchmaking state: the set of connected clients,
// the waiting pool, pending invite rooms and active peer sessions.
//
// All mutating operations are serialized behind a single mutex because
// pairing requires read-then-remove atomicity: two concurrent match
// requests must never both receive the same waiting candidate. Callers
// outside this package never see the underlying maps.
package match
