package bus

import "time"

// Event kinds published by the cache core.
const (
	KindCacheChanged  = "cache.changed"
	KindCacheReset    = "cache.reset"
	KindWriteStatus   = "write.status_changed"
	KindFrameRejected = "sync.frame_rejected"
	// KindSourceFrame carries an encoded frame ([]byte payload) from a
	// reference source to its subscribers.
	KindSourceFrame   = "source.frame"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind         string
	Conversation string
	Timestamp    time.Time
	Payload      any
}
