package topic

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduplicator remembers recently seen event IDs so redelivered copies can be dropped
type Deduplicator struct {
	seen *cache.Cache
}

// NewDeduplicator define a new Deduplicator. IDs are forgotten after ttl.
// A non-positive ttl disables de-duplication.
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		return &Deduplicator{}
	}
	return &Deduplicator{seen: cache.New(ttl, ttl*2)}
}

// FirstSighting record the event ID, and report whether it was not seen before
func (d *Deduplicator) FirstSighting(eventID string) bool {
	if d == nil || d.seen == nil {
		return true
	}
	// Add fails if the key is already present and unexpired
	return d.seen.Add(eventID, struct{}{}, cache.DefaultExpiration) == nil
}
