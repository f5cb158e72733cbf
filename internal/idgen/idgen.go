// Package idgen generates the opaque identifiers used across the control
// plane: short IDs for hosts/VMs/volumes/backups, and time-sortable ULIDs
// for alerts.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Short returns an 8-character opaque ID, the Go-native equivalent of the
// source's str(uuid.uuid4())[:8].
func Short() string {
	return uuid.NewString()[:8]
}

// entropy is reused across Alert calls; ulid.Monotonic is safe for
// concurrent use once wrapped in a mutex, which ulidMu below provides.
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// Alert returns a ULID, sortable by creation time, so the alert store and
// HTTP feed can page chronologically without a secondary timestamp index.
func Alert() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
