package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// RemoteCallStart is emitted before a remote step sends its batch.
// Call identifies the call across its start and finish events.
type RemoteCallStart struct {
	Call    uint64
	Service string
	Method  string
	Target  string
	Items   int
}

// RemoteCallFinish is emitted after a remote call returns.
type RemoteCallFinish struct {
	Call     uint64
	Service  string
	Method   string
	Target   string
	Items    int
	Code     codes.Code
	Err      error
	Duration time.Duration
}
