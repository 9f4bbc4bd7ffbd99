// Package requestid mints the ids echoed back as X-Request-Id, so one
// analysis submission can be followed through access logs and spans.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns 16 random bytes hex-encoded. Collisions across a deployment's
// log retention window are not a concern at this length.
func New() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
