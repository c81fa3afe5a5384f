package conclave

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. Version 7 ids are time-ordered, so message
// and record logs sort chronologically by id. Falls back to v4 if the system
// clock misbehaves.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NowUnix returns the current time as Unix seconds, the timestamp format
// used by all stores.
func NowUnix() int64 {
	return time.Now().Unix()
}
