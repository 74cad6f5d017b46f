// Package ids generates identifiers for persisted records (users, refresh
// tokens, audit entries). ULIDs sort by creation time, which keeps token
// chains and audit trails naturally ordered in the store.
package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable identifier suitable for storage
// keys. The entropy source is crypto-seeded and monotonic within a
// millisecond, so ids minted back to back still sort in issue order.
func New() string {
	return ulid.Make().String()
}
