// Package slotkey derives the deterministic slot identifier.
//
// Slots are keyed by (tenant, provider, service, start) rather than a
// surrogate id so that availability queries, holds and the cancellation
// path that re-locates a slot from its appointment all address the same row
// without an auxiliary index.
package slotkey

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ID returns the stable slot identifier. Start is normalized to UTC with
// second precision so equal instants in different zones hash identically.
func ID(tenantID, providerID, serviceID string, start time.Time) string {
	h := sha256.New()
	for _, part := range []string{
		tenantID,
		providerID,
		serviceID,
		start.UTC().Truncate(time.Second).Format(time.RFC3339),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
